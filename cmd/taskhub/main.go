package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/taskhub/taskhub/internal/client"
	"github.com/taskhub/taskhub/internal/orchestrator"
	"github.com/taskhub/taskhub/internal/task"
)

var (
	app       = kingpin.New("taskhub", "Task lifecycle orchestration for development work")
	serverURL = app.Flag("server", "Server URL").Default("http://localhost:3100").Envar("TASKHUB_SERVER_URL").String()
	apiKey    = app.Flag("api-key", "API key").Envar("TASKHUB_API_KEY").String()

	submitCmd       = app.Command("submit", "Submit a new task")
	submitDesc      = submitCmd.Arg("description", "Task description").Required().Strings()
	submitRequester = submitCmd.Flag("requester", "Who is asking").Default("cli").String()
	submitPriority  = submitCmd.Flag("priority", "low, medium, high, or urgent").Default("").String()

	showCmd = app.Command("show", "Show task details")
	showID  = showCmd.Arg("id", "Task id (short or stable)").Required().String()

	listCmd   = app.Command("list", "List recent tasks")
	listLimit = listCmd.Flag("limit", "Maximum number of tasks").Default("10").Int()

	clarifyCmd     = app.Command("clarify", "Answer a task's clarifying questions")
	clarifyID      = clarifyCmd.Arg("id", "Task id").Required().String()
	clarifyAnswers = clarifyCmd.Arg("answers", "One answer per question, in order").Required().Strings()

	cancelCmd = app.Command("cancel", "Cancel a task")
	cancelID  = cancelCmd.Arg("id", "Task id").Required().String()

	approveCmd   = app.Command("approve", "Approve a review and complete its task")
	approveID    = approveCmd.Arg("review-id", "Review id").Required().String()
	approveActor = approveCmd.Flag("actor", "Who approves").Default("cli").String()

	rejectCmd    = app.Command("reject", "Reject a review and fail its task")
	rejectID     = rejectCmd.Arg("review-id", "Review id").Required().String()
	rejectReason = rejectCmd.Arg("reason", "Why the review is rejected").Required().String()
	rejectActor  = rejectCmd.Flag("actor", "Who rejects").Default("cli").String()

	statusCmd = app.Command("status", "Show system status")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c := client.New(*serverURL, *apiKey)

	var err error
	switch command {
	case submitCmd.FullCommand():
		err = runSubmit(ctx, c)
	case showCmd.FullCommand():
		err = runShow(ctx, c)
	case listCmd.FullCommand():
		err = runList(ctx, c)
	case clarifyCmd.FullCommand():
		err = runClarify(ctx, c)
	case cancelCmd.FullCommand():
		err = runCancel(ctx, c)
	case approveCmd.FullCommand():
		err = runApprove(ctx, c)
	case rejectCmd.FullCommand():
		err = runReject(ctx, c)
	case statusCmd.FullCommand():
		err = runStatus(ctx, c)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

func runSubmit(ctx context.Context, c *client.Client) error {
	res, err := c.Submit(ctx, strings.Join(*submitDesc, " "), *submitRequester, *submitPriority)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", color.GreenString("created"), color.New(color.Bold).Sprint(res.TaskRef))
	fmt.Printf("  status:   %s\n", colorStatus(res.Status))
	fmt.Printf("  estimate: %.1fh\n", res.EstimatedHours)
	if res.NeedsClarification {
		fmt.Println(color.YellowString("  clarification needed:"))
		for i, q := range res.Questions {
			fmt.Printf("    %d. %s\n", i+1, q)
		}
		fmt.Printf("  answer with: taskhub clarify %s <answers...>\n", res.TaskRef)
	}
	return nil
}

func runShow(ctx context.Context, c *client.Client) error {
	snap, err := c.Query(ctx, *showID)
	if err != nil {
		return err
	}
	printSnapshot(snap)
	return nil
}

func runList(ctx context.Context, c *client.Client) error {
	snapshots, err := c.List(ctx, *listLimit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, snap := range snapshots {
		fmt.Printf("%-12s %-22s %-8s %s\n",
			color.New(color.Bold).Sprint(snap.TaskRef),
			colorStatus(snap.Status),
			snap.Priority,
			snap.Title)
	}
	return nil
}

func runClarify(ctx context.Context, c *client.Client) error {
	snap, err := c.Clarify(ctx, *clarifyID, *clarifyAnswers)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s assigned to %s\n", color.GreenString("clarified"), snap.TaskRef, snap.AssignedAgent)
	return nil
}

func runCancel(ctx context.Context, c *client.Client) error {
	snap, err := c.Cancel(ctx, *cancelID)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", color.YellowString("cancelled"), snap.TaskRef)
	return nil
}

func runApprove(ctx context.Context, c *client.Client) error {
	snap, err := c.Approve(ctx, *approveID, *approveActor)
	if err != nil {
		return err
	}
	fmt.Printf("%s review %s, task %s is %s\n",
		color.GreenString("approved"), *approveID, snap.TaskRef, colorStatus(snap.Status))
	return nil
}

func runReject(ctx context.Context, c *client.Client) error {
	snap, err := c.Reject(ctx, *rejectID, *rejectReason, *rejectActor)
	if err != nil {
		return err
	}
	fmt.Printf("%s review %s, task %s is %s\n",
		color.RedString("rejected"), *rejectID, snap.TaskRef, colorStatus(snap.Status))
	return nil
}

func runStatus(ctx context.Context, c *client.Client) error {
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("uptime: %s, recent errors: %d\n",
		(time.Duration(status.UptimeSeconds) * time.Second).String(), status.RecentErrorCount)
	fmt.Println("tasks:")
	for _, s := range []task.Status{
		task.StatusPending, task.StatusClarificationNeeded, task.StatusAssigned,
		task.StatusInProgress, task.StatusTesting, task.StatusReviewReady,
		task.StatusApproved, task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
	} {
		if n := status.StatusCounts[s]; n > 0 {
			fmt.Printf("  %-22s %d\n", colorStatus(s), n)
		}
	}
	if len(status.Agents) > 0 {
		fmt.Println("agents:")
		now := time.Now()
		for _, a := range status.Agents {
			liveness := color.RedString("down")
			if a.Alive(now, 2*time.Minute) {
				liveness = color.GreenString("alive")
			}
			fmt.Printf("  %-26s %s  done=%d failed=%d\n",
				a.Identity, liveness, a.TasksCompleted, a.TasksFailed)
		}
	}
	return nil
}

func printSnapshot(snap *orchestrator.Snapshot) {
	fmt.Printf("%s  %s\n", color.New(color.Bold).Sprint(snap.TaskRef), snap.Title)
	fmt.Printf("  status:    %s\n", colorStatus(snap.Status))
	fmt.Printf("  category:  %s\n", snap.Category)
	fmt.Printf("  priority:  %s\n", snap.Priority)
	fmt.Printf("  requester: %s\n", snap.Requester)
	if snap.AssignedAgent != "" {
		fmt.Printf("  agent:     %s\n", snap.AssignedAgent)
	}
	fmt.Printf("  estimate:  %.1fh\n", snap.EstimatedHours)
	if snap.ActualHours != nil {
		fmt.Printf("  actual:    %.1fh\n", *snap.ActualHours)
	}
	if len(snap.ClarifyingQuestions) > 0 {
		fmt.Println("  questions:")
		for i, q := range snap.ClarifyingQuestions {
			fmt.Printf("    %d. %s\n", i+1, q)
		}
	}
	if url := snap.Metadata["review_url"]; url != "" {
		fmt.Printf("  review:    %s\n", url)
	}
	if reason := snap.Metadata["failure_reason"]; reason != "" {
		fmt.Printf("  failure:   %s\n", color.RedString(reason))
	}
}

func colorStatus(s task.Status) string {
	switch s {
	case task.StatusCompleted, task.StatusApproved:
		return color.GreenString(string(s))
	case task.StatusFailed:
		return color.RedString(string(s))
	case task.StatusCancelled:
		return color.YellowString(string(s))
	case task.StatusInProgress, task.StatusTesting:
		return color.CyanString(string(s))
	case task.StatusReviewReady, task.StatusClarificationNeeded:
		return color.MagentaString(string(s))
	default:
		return string(s)
	}
}
