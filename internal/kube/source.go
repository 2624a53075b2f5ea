// File: internal/kube/source.go
// Brief: Internal kube package implementation for 'source'.

package kube

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/example/kpane/internal/panes"
)

// DefaultTailLines is how much history a new stream starts with.
const DefaultTailLines int64 = 100

const (
	logScannerInitial = 64 * 1024
	logScannerMax     = 1024 * 1024

	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// LogSource follows container logs through the pods/log subresource.
type LogSource struct {
	client     kubernetes.Interface
	log        logr.Logger
	tailLines  int64
	timestamps bool
}

var _ panes.Source = (*LogSource)(nil)

// LogSourceOption configures a LogSource.
type LogSourceOption func(*LogSource)

// WithTailLines sets how many historical lines a stream starts with. Negative
// values request the full log.
func WithTailLines(n int64) LogSourceOption {
	return func(s *LogSource) { s.tailLines = n }
}

// WithTimestamps asks the kubelet to prefix lines with their production time.
func WithTimestamps(enabled bool) LogSourceOption {
	return func(s *LogSource) { s.timestamps = enabled }
}

// NewLogSource returns a Source reading logs with client.
func NewLogSource(client kubernetes.Interface, logger logr.Logger, opts ...LogSourceOption) *LogSource {
	s := &LogSource{
		client:     client,
		log:        logger.WithName("logs"),
		tailLines:  DefaultTailLines,
		timestamps: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// OpenStream starts following the container and returns immediately. Failures
// to reach the container are reported through the stream's Err.
func (s *LogSource) OpenStream(ctx context.Context, namespace, pod, container string) (panes.Stream, error) {
	if pod == "" || container == "" {
		return nil, errors.Errorf("pod and container are required, got %q/%q", pod, container)
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &podStream{
		lines:  make(chan panes.LogLine, 64),
		cancel: cancel,
	}
	go s.follow(ctx, st, namespace, pod, container)
	return st, nil
}

type podStream struct {
	lines  chan panes.LogLine
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (p *podStream) Lines() <-chan panes.LogLine { return p.lines }

func (p *podStream) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *podStream) Cancel() { p.cancel() }

func (p *podStream) finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.lines)
}

func (s *LogSource) follow(ctx context.Context, st *podStream, namespace, pod, container string) {
	log := s.log.WithValues("namespace", namespace, "pod", pod, "container", container)
	opts := &corev1.PodLogOptions{
		Container:  container,
		Follow:     true,
		Timestamps: s.timestamps,
	}
	if s.tailLines >= 0 {
		tail := s.tailLines
		opts.TailLines = &tail
	}

	var last time.Time
	backoff := initialBackoff
	wait := func(reason error) bool {
		log.V(1).Info("log stream unavailable; retrying", "error", reason.Error(), "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		return true
	}

	for {
		if ctx.Err() != nil {
			st.finish(nil)
			return
		}
		if !last.IsZero() {
			// Resume after the last delivered line instead of replaying the tail.
			since := metav1.NewTime(last)
			opts.SinceTime = &since
			opts.TailLines = nil
		}
		log.V(1).Info("starting container stream", "tailLines", s.tailLines, "timestamps", s.timestamps)
		body, err := s.client.CoreV1().Pods(namespace).GetLogs(pod, opts).Stream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				st.finish(nil)
				return
			}
			if isRetryableLogStreamErr(err) && wait(err) {
				continue
			}
			st.finish(errors.Wrapf(err, "stream logs for %s/%s", pod, container))
			return
		}

		backoff = initialBackoff
		scanErr := s.scan(ctx, body, st, pod, container, last, &last)
		_ = body.Close()
		switch {
		case ctx.Err() != nil:
			log.V(1).Info("container stream stopped by context")
			st.finish(nil)
			return
		case scanErr != nil && scanErr != io.EOF && !isContextErr(scanErr):
			if isRetryableLogStreamErr(scanErr) && wait(scanErr) {
				continue
			}
			st.finish(errors.Wrapf(scanErr, "read logs for %s/%s", pod, container))
			return
		default:
			log.V(1).Info("container stream finished")
			st.finish(nil)
			return
		}
	}
}

// scan forwards lines from body. When resuming, lines not newer than
// resumeAfter were already forwarded by the previous request.
func (s *LogSource) scan(ctx context.Context, body io.Reader, st *podStream, pod, container string, resumeAfter time.Time, last *time.Time) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, logScannerInitial), logScannerMax)
	for scanner.Scan() {
		line := panes.LogLine{Pod: pod, Container: container, Text: scanner.Text(), ProducedAt: time.Now()}
		if s.timestamps {
			if ts, rest, ok := splitTimestamp(line.Text); ok {
				if !resumeAfter.IsZero() && !ts.After(resumeAfter) {
					continue
				}
				line.ProducedAt = ts
				line.Text = rest
				*last = ts
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st.lines <- line:
		}
	}
	return scanner.Err()
}

// splitTimestamp separates the RFC3339 prefix the kubelet adds when
// timestamps are requested.
func splitTimestamp(raw string) (time.Time, string, bool) {
	idx := strings.IndexByte(raw, ' ')
	if idx <= 0 {
		return time.Time{}, raw, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw[:idx])
	if err != nil {
		return time.Time{}, raw, false
	}
	return ts, raw[idx+1:], true
}

// isRetryableLogStreamErr reports errors the API server returns while a
// container has not started yet.
func isRetryableLogStreamErr(err error) bool {
	if err == nil {
		return false
	}
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		apiStatus, ok := e.(apierrors.APIStatus)
		if !ok {
			continue
		}
		if waitingToStart(apiStatus.Status().Message) {
			return true
		}
	}
	return waitingToStart(err.Error())
}

func waitingToStart(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "is waiting to start") ||
		strings.Contains(msg, "containercreating") ||
		strings.Contains(msg, "podinitializing")
}

func isContextErr(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
