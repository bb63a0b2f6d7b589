package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentd/pkg/agent"
	"agentd/pkg/events"
	"agentd/pkg/permission"
)

type runOptions struct {
	project string
	task    string
	name    string
	model   string
	mode    string
	skills  []string
	keep    bool
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	ro := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run --task <description>",
		Short: "Create an agent, run one task, and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			description := strings.TrimSpace(ro.task)
			if description == "" {
				description = strings.TrimSpace(strings.Join(args, " "))
			}
			if description == "" {
				return errors.New("task description is required (--task)")
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			mode, err := permission.ParseMode(ro.mode)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, opts.projectDir)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				rt.close(sctx)
			}()

			prompt := &terminalApprover{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.OutOrStdout()}
			task, err := runOnce(ctx, rt.registry, rt.bus, ro, mode, description, prompt)
			if err != nil {
				return err
			}
			return printTask(cmd, task)
		},
	}

	f := cmd.Flags()
	f.StringVar(&ro.project, "project", agent.DefaultProject, "Project the agent belongs to")
	f.StringVar(&ro.task, "task", "", "Task description (or pass it as arguments)")
	f.StringVar(&ro.name, "name", "", "Agent name")
	f.StringVar(&ro.model, "model", "", "Model override")
	f.StringVar(&ro.mode, "mode", string(permission.ModeAutoSafe), "Permission mode: ask, auto_safe or bypass")
	f.StringSliceVar(&ro.skills, "skill", nil, "Skill to load (repeatable)")
	f.BoolVar(&ro.keep, "keep", false, "Keep the agent and its workspace afterwards")
	return cmd
}

// approver answers permission requests raised while a one-shot task runs.
type approver interface {
	Approve(e events.Event) bool
}

// terminalApprover asks on the terminal. Anything but y/yes rejects.
type terminalApprover struct {
	in  *bufio.Reader
	out io.Writer
}

func (t *terminalApprover) Approve(e events.Event) bool {
	fmt.Fprintf(t.out, "🔒 %v wants to run: %v\n   approve? [y/N] ", e.Data["action_type"], e.Data["action"])
	line, err := t.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// runOnce executes description on a fresh agent and blocks until the task reaches a
// terminal state or ctx ends. Permission requests are routed to approve.
func runOnce(ctx context.Context, reg *agent.Registry, bus *events.Bus, ro *runOptions, mode permission.Mode, description string, approve approver) (*agent.Task, error) {
	a, err := reg.CreateAgent(ctx, agent.Config{
		Name:           ro.name,
		Project:        ro.project,
		SkillIDs:       ro.skills,
		PermissionMode: mode,
		Model:          ro.model,
	})
	if err != nil {
		return nil, err
	}
	if !ro.keep {
		defer func() {
			if err := reg.DeleteAgent(context.Background(), a.ID); err != nil {
				fmt.Printf("⚠️  failed to remove agent %s: %v\n", a.ID, err)
			}
		}()
	}

	sub := bus.Subscribe(
		events.TaskCompleted, events.TaskFailed, events.TaskCancelled, events.TaskPaused,
		events.TaskProgress, events.PermissionRequested,
	).ForAgent(a.ID)
	defer sub.Close()

	task, err := reg.ExecuteTask(ctx, a.ID, description)
	if err != nil {
		return nil, err
	}
	fmt.Printf("⏳ agent %s running task %s\n", a.ID, task.ID)

	for {
		select {
		case <-ctx.Done():
			_ = reg.StopAgent(context.Background(), a.ID)
			return nil, ctx.Err()
		case e, ok := <-sub.C():
			if !ok {
				return nil, fmt.Errorf("event stream closed before task %s finished", task.ID)
			}
			if e.Type == events.PermissionRequested {
				id, _ := e.Data["request_id"].(string)
				if approve.Approve(e) {
					reg.ApproveRequest(id)
				} else {
					reg.RejectRequest(id)
				}
				continue
			}
			if e.TaskID != task.ID {
				continue
			}
			if e.Type == events.TaskProgress {
				fmt.Printf("   … %v%%\n", e.Data["progress"])
				continue
			}
			return reg.GetTask(task.ID)
		}
	}
}

func printTask(cmd *cobra.Command, t *agent.Task) error {
	out := cmd.OutOrStdout()
	elapsed := time.Duration(0)
	if t.CompletedAt != nil {
		elapsed = t.CompletedAt.Sub(t.StartedAt).Round(time.Millisecond)
	}
	fmt.Fprintf(out, "\n📋 task %s %s in %s\n\n", t.ID, t.Status, elapsed)
	if t.Result != "" {
		fmt.Fprintln(out, t.Result)
	}
	if t.Status != agent.TaskCompleted {
		if t.Error != "" {
			return fmt.Errorf("task %s: %s", t.Status, t.Error)
		}
		return fmt.Errorf("task %s", t.Status)
	}
	return nil
}
