package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/golang/glog"

	"github.com/livefir/liveclient"
)

// runRecord joins headlessly and records the session into the journal
// until the duration elapses or the process is interrupted.
func runRecord(url, journalPath string, d time.Duration, profile Profile) error {
	opts := append(profile.options(), liveclient.WithJournal(journalPath))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sock, err := liveclient.Open(ctx, url, opts...)
	if err != nil {
		cancel()
		return err
	}
	err = sock.Connect(ctx)
	cancel()
	if err != nil {
		sock.Close()
		return err
	}
	defer sock.Close()

	glog.Infof("recording %s into %s for %v", url, journalPath, d)
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	select {
	case <-time.After(d):
	case <-interrupt:
		glog.Info("interrupted")
	}
	if err := sock.Err(); err != nil {
		return err
	}

	m := sock.Metrics()
	fmt.Printf("recorded %d frames in, %d out; %d diffs applied across %d views\n",
		m.FramesReceived, m.FramesSent, m.DiffsApplied, m.ViewsJoined)
	fmt.Printf("journal written to %s\n", journalPath)
	return nil
}
