package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/charmbracelet/lipgloss"
	"github.com/golang/glog"

	"github.com/livefir/liveclient"
	"github.com/livefir/liveclient/internal/metrics"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	rowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

// runStorm drives many concurrent clients against the application,
// randomly exercising the page's bound controls until the deadline.
func runStorm(url string, clients int, d time.Duration, profile Profile) error {
	fmt.Printf("storming %s with %d clients for %v\n", url, clients, d)

	deadline := time.Now().Add(d)
	results := make([]metrics.ClientMetrics, clients)
	failures := make([]error, clients)

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m, err := stormClient(url, deadline, profile, int64(id))
			results[id] = m
			failures[id] = err
		}(i)
	}
	wg.Wait()

	printStormTable(results, failures)
	return nil
}

// stormClient runs one client loop: join, then click and type against
// random controls until the deadline.
func stormClient(url string, deadline time.Time, profile Profile, seed int64) (metrics.ClientMetrics, error) {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	sock, err := liveclient.Open(ctx, url, profile.options()...)
	if err != nil {
		return metrics.ClientMetrics{}, err
	}
	defer sock.Close()
	if err := sock.Connect(ctx); err != nil {
		return sock.Metrics(), err
	}

	faker := gofakeit.New(uint64(seed))
	rng := rand.New(rand.NewSource(seed))
	for time.Now().Before(deadline) {
		controls := sock.Controls()
		if len(controls) == 0 {
			break
		}
		ctl := controls[rng.Intn(len(controls))]
		opCtx, opCancel := context.WithTimeout(ctx, 10*time.Second)
		switch ctl.Kind {
		case "click":
			err = sock.Click(opCtx, ctl.Selector)
		case "change":
			err = sock.Input(opCtx, ctl.Selector, faker.Word())
		case "submit":
			err = sock.Submit(opCtx, ctl.Selector)
		case "keyup", "keydown":
			err = sock.Keyup(opCtx, ctl.Selector, "Enter")
		default:
			err = nil
		}
		opCancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			glog.V(1).Infof("storm client %d: %s %s: %v", seed, ctl.Kind, ctl.Event, err)
		}
		time.Sleep(time.Duration(50+rng.Intn(200)) * time.Millisecond)
	}
	if fatal := sock.Err(); fatal != nil {
		return sock.Metrics(), fatal
	}
	return sock.Metrics(), nil
}

func printStormTable(results []metrics.ClientMetrics, failures []error) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-8s %8s %8s %8s %8s %8s  %s",
		"client", "events", "diffs", "frames", "errors", "reconn", "status")))
	var total metrics.ClientMetrics
	failed := 0
	for i, m := range results {
		status := "ok"
		if failures[i] != nil {
			status = failures[i].Error()
			failed++
		}
		fmt.Println(rowStyle.Render(fmt.Sprintf("%-8d %8d %8d %8d %8d %8d  %s",
			i, m.EventsPushed, m.DiffsApplied, m.FramesReceived, m.RepliesError+m.RepliesTimeout, m.Reconnects, status)))
		total.EventsPushed += m.EventsPushed
		total.DiffsApplied += m.DiffsApplied
		total.FramesReceived += m.FramesReceived
		total.RepliesError += m.RepliesError
		total.RepliesTimeout += m.RepliesTimeout
		total.Reconnects += m.Reconnects
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-8s %8d %8d %8d %8d %8d  %d/%d ok",
		"total", total.EventsPushed, total.DiffsApplied, total.FramesReceived,
		total.RepliesError+total.RepliesTimeout, total.Reconnects, len(results)-failed, len(results))))
}
