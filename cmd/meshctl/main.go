// Package main is meshctl, the command-line submitter: it talks to the
// orchestrator over the same transport the agents use.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/transport"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

const usage = `Usage: meshctl <command> [flags]

Commands:
  submit   submit a task to the orchestrator
  status   show one task
  list     list tasks
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "submit":
		err = cmdSubmit(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "list":
		err = cmdList(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	id           string
	orchestrator string
	timeout      time.Duration
	tr           *transport.Hybrid
}

func newCLI(fs *flag.FlagSet, args []string) (*cli, func(), error) {
	orchestrator := fs.String("orchestrator", "orchestrator", "orchestrator agent id")
	timeout := fs.Duration("timeout", 10*time.Second, "reply timeout")
	configPath := fs.String("config", "", "directory containing config.yaml")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	// Replies come back over the transport; errors go to stderr.
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		return nil, nil, err
	}

	tr, err := transport.FromConfig(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open transport: %w", err)
	}

	c := &cli{
		id:           fmt.Sprintf("meshctl-%d", os.Getpid()),
		orchestrator: *orchestrator,
		timeout:      *timeout,
		tr:           tr,
	}
	return c, func() { tr.Close() }, nil
}

// call sends one request and waits for the matching INFORM reply,
// skipping acks and unrelated traffic.
func (c *cli) call(payload map[string]any, taskID, wantType string) (*v1.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req := v1.NewMessage(c.id, c.orchestrator, v1.IntentRequest, taskID, payload)
	if err := c.tr.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	for time.Now().Before(deadline) {
		msg, err := c.tr.Receive(ctx, c.id, time.Second)
		if err != nil {
			return nil, fmt.Errorf("receive reply: %w", err)
		}
		if msg == nil {
			continue
		}
		if msg.Intent == v1.IntentError {
			return nil, fmt.Errorf("orchestrator: %s", msg.PayloadString("error"))
		}
		if msg.Intent == v1.IntentInform && msg.PayloadType() == wantType {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("no reply from %s within %s", c.orchestrator, c.timeout)
}

func cmdSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	taskType := fs.String("type", "specification", "task type: specification, build, or validate")
	name := fs.String("name", "", "name carried in the task requirements")
	priority := fs.String("priority", "medium", "task priority: critical, high, medium, or low")

	c, closeFn, err := newCLI(fs, args)
	if err != nil {
		return err
	}
	defer closeFn()

	requirements := map[string]any{}
	if *name != "" {
		requirements["name"] = *name
	}
	reply, err := c.call(map[string]any{
		"type": v1.PayloadSubmitTask,
		"task": map[string]any{
			"type":         *taskType,
			"priority":     *priority,
			"requirements": requirements,
		},
	}, v1.TaskIDSystem, v1.PayloadTaskSubmitted)
	if err != nil {
		return err
	}

	fmt.Printf("submitted %s (%s)\n", reply.PayloadString("task_id"), reply.PayloadString("state"))
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	taskID := fs.String("task", "", "task id")

	c, closeFn, err := newCLI(fs, args)
	if err != nil {
		return err
	}
	defer closeFn()

	if *taskID == "" {
		return fmt.Errorf("--task is required")
	}
	reply, err := c.call(map[string]any{
		"type":    v1.PayloadGetStatus,
		"task_id": *taskID,
	}, *taskID, v1.PayloadTaskStatus)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(reply.Payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	state := fs.String("state", "", "filter by task state")

	c, closeFn, err := newCLI(fs, args)
	if err != nil {
		return err
	}
	defer closeFn()

	payload := map[string]any{"type": v1.PayloadListTasks}
	if *state != "" {
		payload["state"] = *state
	}
	reply, err := c.call(payload, v1.TaskIDSystem, v1.PayloadTaskStatus)
	if err != nil {
		return err
	}

	tasks, _ := reply.Payload["tasks"].([]any)
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-40s %-14s %-10s %-20s %s\n", "TASK", "TYPE", "STATE", "ASSIGNEE", "PRIORITY")
	for _, raw := range tasks {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fmt.Printf("%-40s %-14s %-10s %-20s %s\n",
			t["task_id"], t["type"], t["state"], t["assignee"], t["priority"])
	}
	return nil
}
