package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/chaz8081/wifiprov/internal/ble/protocol"
	"github.com/chaz8081/wifiprov/internal/provision"
	"github.com/chaz8081/wifiprov/internal/shell"
)

var (
	errScanFailed     = errors.New("device reported a scan error")
	errResultsDropped = errors.New("scan results could not be read")
	errJoinFailed     = errors.New("device failed to join the network")
)

// watcher prints state changes like the shell does and forwards them, in
// order, to the command waiting for an outcome. Values are a
// protocol.ScannerState, a protocol.ConfigState or a []protocol.AccessPoint.
type watcher struct {
	*shell.Printer
	events chan any
}

var _ provision.UI = (*watcher)(nil)

func newWatcher(w io.Writer) *watcher {
	return &watcher{Printer: shell.NewPrinter(w), events: make(chan any, 64)}
}

// offer must not block the orchestrator loop.
func (w *watcher) offer(v any) {
	select {
	case w.events <- v:
	default:
	}
}

// ClearAccessPoints is called when a scan starts. Events queued before it
// belong to an earlier scan and are dropped.
func (w *watcher) ClearAccessPoints() {
	w.Printer.ClearAccessPoints()
	for {
		select {
		case <-w.events:
		default:
			return
		}
	}
}

func (w *watcher) ShowAccessPoints(aps []protocol.AccessPoint) {
	w.Printer.ShowAccessPoints(aps)
	w.offer(aps)
}

func (w *watcher) ScannerStateChanged(s protocol.ScannerState) {
	w.Printer.ScannerStateChanged(s)
	w.offer(s)
}

func (w *watcher) ConfigStateChanged(s protocol.ConfigState) {
	w.Printer.ConfigStateChanged(s)
	w.offer(s)
}

// waitScan waits for the result list of a scan that has been started.
func waitScan(ctx context.Context, events <-chan any) ([]protocol.AccessPoint, error) {
	scanned := false
	for {
		select {
		case ev := <-events:
			switch v := ev.(type) {
			case []protocol.AccessPoint:
				return v, nil
			case protocol.ScannerState:
				switch v {
				case protocol.ScannerScanning:
				case protocol.ScannerScanned:
					scanned = true
				case protocol.ScannerIdle:
					if scanned {
						return nil, errResultsDropped
					}
				default:
					return nil, errScanFailed
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// waitJoin waits until the device reports Joined or Error for a join that
// has been started. A terminal state reported before Connecting is left
// over from an earlier attempt: the firmware ignores the Connecting write
// outside Idle. retry is then called once to restart the join.
func waitJoin(ctx context.Context, events <-chan any, retry func(context.Context) error, logger *slog.Logger) error {
	connecting := false
	retried := false
	for {
		select {
		case ev := <-events:
			st, ok := ev.(protocol.ConfigState)
			if !ok {
				continue
			}
			switch st {
			case protocol.ConfigIdle:
			case protocol.ConfigConnecting:
				connecting = true
			default:
				if !connecting && !retried {
					retried = true
					logger.Info("[CONFIG] device still reports an earlier join, retrying", "state", st.String())
					if err := retry(ctx); err != nil {
						return err
					}
					continue
				}
				if st == protocol.ConfigJoined {
					return nil
				}
				return errJoinFailed
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
