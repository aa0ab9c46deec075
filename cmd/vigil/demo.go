package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/vigil/internal/broadcast"
	"github.com/HyphaGroup/vigil/internal/driver/synthetic"
	"github.com/HyphaGroup/vigil/internal/event"
	"github.com/HyphaGroup/vigil/internal/execution"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a synthetic execution and print its live events",
	Long: `Runs the synthetic driver in-process and prints every live event it
publishes. With --pause-at the run is paused after that step and resumed
after --pause-for, exercising the control path. Interrupting the demo stops
the run at its next step boundary.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().Int("steps", 5, "Number of steps before the run reports done")
	demoCmd.Flags().Duration("step-delay", 300*time.Millisecond, "Time each step takes")
	demoCmd.Flags().Int("fail-at", 0, "Fail at this step (0 never fails)")
	demoCmd.Flags().Int("budget", 0, "Step budget (default from config)")
	demoCmd.Flags().Int("pause-at", 0, "Pause after this step completes (0 never pauses)")
	demoCmd.Flags().Duration("pause-for", time.Second, "How long to stay paused")
	demoCmd.Flags().Bool("json", false, "Print raw JSON records")
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	steps, _ := cmd.Flags().GetInt("steps")
	delay, _ := cmd.Flags().GetDuration("step-delay")
	failAt, _ := cmd.Flags().GetInt("fail-at")
	budget, _ := cmd.Flags().GetInt("budget")
	pauseAt, _ := cmd.Flags().GetInt("pause-at")
	pauseFor, _ := cmd.Flags().GetDuration("pause-for")
	rawJSON, _ := cmd.Flags().GetBool("json")

	st, err := newStack(cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()

	params, err := json.Marshal(synthetic.Config{
		Steps:       steps,
		StepDelayMS: int(delay / time.Millisecond),
		FailAt:      failAt,
	})
	if err != nil {
		return err
	}

	// Subscribe before starting so no record is missed
	id := fmt.Sprintf("demo-%d", time.Now().Unix())
	sink := broadcast.NewChannelSink(st.hub.ReplayBuffer(cfg.Live.SubscriberBuffer))
	if err := st.hub.Join(id, sink); err != nil {
		return err
	}
	defer func() {
		st.hub.Leave(id, sink)
		sink.Close()
	}()

	exec, err := st.svc.Start(execution.StartRequest{
		ExecutionID: id,
		Driver:      synthetic.Name,
		Params:      params,
		StepBudget:  budget,
	})
	if err != nil {
		return err
	}
	fmt.Printf("▶️  %s started (budget %d, deadline %s)\n", exec.ID, exec.StepBudget, exec.Deadline.Format(time.TimeOnly))

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	for {
		select {
		case <-interrupt:
			fmt.Println("⏹️  stopping...")
			st.svc.Stop(id)
		case rec, ok := <-sink.C():
			if !ok {
				return fmt.Errorf("live stream for %s ended early", id)
			}
			printRecord(rec, rawJSON)

			if rec.Type == event.TypeStepUpdate && rec.Step.Status == event.StepCompleted && rec.Step.StepNumber == pauseAt {
				st.svc.Pause(id)
				time.AfterFunc(pauseFor, func() { st.svc.Resume(id) })
			}
			if rec.Type == event.TypeExecutionComplete {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				out, err := st.svc.Wait(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("🏁 %s %s (%s) after %d steps in %s\n",
					out.ExecutionID, out.Status, out.Reason, out.StepsCompleted, out.Duration().Round(time.Millisecond))
				return nil
			}
		}
	}
}

func printRecord(rec *event.Record, rawJSON bool) {
	if rawJSON {
		data, err := json.Marshal(rec)
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}

	switch rec.Type {
	case event.TypeStepUpdate:
		line := fmt.Sprintf("  step %d %s", rec.Step.StepNumber, rec.Step.Status)
		if rec.Step.ActionType != "" {
			line += " " + rec.Step.ActionType
		}
		if rec.Step.ErrorMessage != "" {
			line += ": " + rec.Step.ErrorMessage
		}
		fmt.Println(line)
	case event.TypeLog:
		fmt.Printf("  [%s] %s\n", rec.Log.Level, rec.Log.Message)
	case event.TypeScreenshotUpdate:
		fmt.Printf("  📸 screenshot (%s, %d bytes)\n", rec.Screenshot.Format, len(rec.Screenshot.Data))
	case event.TypeControlUpdate:
		fmt.Printf("  ⏯️  %s\n", rec.Control.Action)
	case event.TypeProgressUpdate:
		fmt.Printf("  %d/%d (%.0f%%)\n", rec.Progress.CurrentStep, rec.Progress.TotalSteps, rec.Progress.Percentage)
	case event.TypeExecutionComplete:
		fmt.Printf("  complete: %s (%s)\n", rec.Complete.Status, rec.Complete.Reason)
	default:
		fmt.Printf("  %s\n", rec.Type)
	}
}
