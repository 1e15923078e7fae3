package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"loom/internal/events"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func newRunCmd(configPath *string) *cobra.Command {
	var resume string

	cmd := &cobra.Command{
		Use:   "run [goal...]",
		Short: "Run a goal to completion, streaming progress to the terminal",
		Args: func(cmd *cobra.Command, args []string) error {
			if resume == "" && len(args) == 0 {
				return fmt.Errorf("a goal (or --resume) is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				sessionID string
				stream    <-chan events.Event
			)
			if resume != "" {
				sessionID = resume
				stream, err = rt.orch.Resume(ctx, resume)
			} else {
				sessionID, stream, err = rt.orch.RunStream(ctx, strings.Join(args, " "))
			}
			if err != nil {
				return err
			}
			fmt.Println(gray("session " + sessionID))

			status := renderStream(rt, sessionID, stream)
			if status != events.DoneSuccess {
				return fmt.Errorf("run ended: %s", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&resume, "resume", "", "resume a session from its newest checkpoint")
	return cmd
}

// renderStream prints the run's events and returns the terminal status.
func renderStream(rt *runtime, sessionID string, stream <-chan events.Event) string {
	stdin := bufio.NewReader(os.Stdin)
	status := events.DoneIncomplete

	for ev := range stream {
		switch ev.Type {
		case events.TypeContent:
			if delta, ok := ev.Data["delta"].(string); ok {
				fmt.Print(delta)
			}
		case events.TypeThinking:
			if text, ok := ev.Data["text"].(string); ok {
				fmt.Print(gray(text))
			}
		case events.TypePlanCreated:
			fmt.Println(green("\n▸ plan created"))
		case events.TypePlanRevised:
			fmt.Println(yellow("\n▸ plan revised"))
		case events.TypeTaskStart:
			fmt.Printf("\n%s %v\n", cyan("▸ task"), ev.Data["title"])
		case events.TypeTaskComplete:
			fmt.Printf("%s %v\n", green("✔"), ev.Data["title"])
		case events.TypeTaskFailed:
			fmt.Printf("%s %v: %v\n", red("✘"), ev.Data["title"], ev.Data["error"])
		case events.TypeToolCall:
			fmt.Printf("%s %v\n", gray("  ⚙"), ev.Data["tool_name"])
		case events.TypeConfirmRequired:
			answer := promptConfirm(stdin, ev)
			requestID, _ := ev.Data["request_id"].(string)
			if err := rt.orch.Confirm(sessionID, requestID, answer, ""); err != nil {
				fmt.Println(red("confirmation failed: " + err.Error()))
			}
		case events.TypeError:
			fmt.Printf("%s %v: %v\n", red("error"), ev.Data["kind"], ev.Data["message"])
		case events.TypeDone:
			if s, ok := ev.Data["status"].(string); ok {
				status = s
			}
		}
	}

	switch status {
	case events.DoneSuccess:
		fmt.Println(bold(green("\ndone")))
	default:
		fmt.Println(bold(red("\n" + status)))
	}
	return status
}

func promptConfirm(stdin *bufio.Reader, ev events.Event) bool {
	fmt.Printf("\n%s %v (%v)\n", yellow("confirm required:"), ev.Data["operation"], ev.Data["description"])
	fmt.Print("approve? [y/N] ")
	line, err := stdin.ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}
