// Package logger provides the process-wide printf logger and the structured
// slog logger used by request and execution code paths.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// console is the printf logger. Lines go to the terminal and to a log file
// that rolls over at midnight.
type console struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	file   *dailyFile
	now    func() time.Time
}

var (
	consoleMu sync.RWMutex
	active    *console
)

// Init starts the printf logger, writing vigil-YYYY-MM-DD.log files to
// logDir. Calling Init again replaces the previous logger.
func Init(logDir string) error {
	f, err := newDailyFile(logDir, time.Now)
	if err != nil {
		return err
	}
	c := &console{stdout: os.Stdout, stderr: os.Stderr, file: f, now: time.Now}

	consoleMu.Lock()
	prev := active
	active = c
	consoleMu.Unlock()

	if prev != nil {
		_ = prev.file.Close()
	}
	return nil
}

// Close stops the printf logger and closes its log file
func Close() error {
	consoleMu.Lock()
	c := active
	active = nil
	consoleMu.Unlock()

	if c == nil {
		return nil
	}
	return c.file.Close()
}

// Info logs an informational message
func Info(format string, v ...any) {
	emit(false, fmt.Sprintf(format, v...))
}

// Error logs an error message to stderr and the log file
func Error(format string, v ...any) {
	emit(true, "ERROR: "+fmt.Sprintf(format, v...))
}

// Println logs its operands separated by spaces
func Println(v ...any) {
	emit(false, fmt.Sprintln(v...))
}

// Printf logs a formatted message
func Printf(format string, v ...any) {
	emit(false, fmt.Sprintf(format, v...))
}

// emit is a no-op until Init has been called
func emit(isErr bool, msg string) {
	consoleMu.RLock()
	c := active
	consoleMu.RUnlock()
	if c != nil {
		c.write(isErr, msg)
	}
}

func (c *console) write(isErr bool, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.now().Format("2006/01/02 15:04:05 ") + msg
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		line += "\n"
	}

	term := c.stdout
	if isErr {
		term = c.stderr
	}
	_, _ = io.WriteString(term, line)
	_, _ = io.WriteString(c.file, line)
}

// dailyFile appends to vigil-<date>.log in dir, switching files when the
// local date changes
type dailyFile struct {
	mu   sync.Mutex
	dir  string
	now  func() time.Time
	day  string
	file *os.File
}

func newDailyFile(dir string, now func() time.Time) (*dailyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	d := &dailyFile{dir: dir, now: now}
	if err := d.rollLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

// Write implements io.Writer
func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return 0, os.ErrClosed
	}
	if d.now().Format(time.DateOnly) != d.day {
		if err := d.rollLocked(); err != nil {
			return 0, err
		}
	}
	return d.file.Write(p)
}

// Name returns the path of the file currently written to
func (d *dailyFile) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return filepath.Join(d.dir, logFileName(d.day))
}

func (d *dailyFile) rollLocked() error {
	day := d.now().Format(time.DateOnly)
	f, err := os.OpenFile(filepath.Join(d.dir, logFileName(day)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if d.file != nil {
		_ = d.file.Close()
	}
	d.file, d.day = f, day
	return nil
}

// Close closes the current file. Later writes fail with os.ErrClosed.
func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

func logFileName(day string) string {
	return "vigil-" + day + ".log"
}
