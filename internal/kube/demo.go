package kube

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/example/kpane/internal/panes"
)

// DemoClusterName is reported by the demo client.
const DemoClusterName = "Mock Cluster"

// NewDemoClient returns a client backed by an in-memory cluster holding two
// pods in namespace: pod-1 with container-1 and container-2, pod-2 with
// container-3.
func NewDemoClient(namespace string) *Client {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	objects := []runtime.Object{
		demoNamespace(metav1.NamespaceDefault),
		demoPod(namespace, "pod-1", "container-1", "container-2"),
		demoPod(namespace, "pod-2", "container-3"),
	}
	if namespace != metav1.NamespaceDefault {
		objects = append(objects, demoNamespace(namespace))
	}
	clientset := fake.NewSimpleClientset(objects...)
	return NewForClientset(clientset, namespace, DemoClusterName)
}

func demoNamespace(name string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func demoPod(namespace, name string, containers ...string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
	for _, c := range containers {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{Name: c, Image: "busybox"})
	}
	return pod
}

// DemoSource emits a fixed number of synthetic lines per container, one per
// interval, then ends the stream.
type DemoSource struct {
	Lines    int
	Interval time.Duration
}

var _ panes.Source = (*DemoSource)(nil)

// NewDemoSource returns a source producing ten lines, one per second.
func NewDemoSource() *DemoSource {
	return &DemoSource{Lines: 10, Interval: time.Second}
}

// OpenStream never fails.
func (d *DemoSource) OpenStream(ctx context.Context, _, pod, container string) (panes.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	st := &demoStream{lines: make(chan panes.LogLine), cancel: cancel}
	interval := d.Interval
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		defer close(st.lines)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; i < d.Lines; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			line := panes.LogLine{
				Pod:        pod,
				Container:  container,
				Text:       fmt.Sprintf("Fake log line %d from %s/%s", i, pod, container),
				ProducedAt: time.Now(),
			}
			select {
			case <-ctx.Done():
				return
			case st.lines <- line:
			}
		}
	}()
	return st, nil
}

type demoStream struct {
	lines  chan panes.LogLine
	cancel context.CancelFunc
	once   sync.Once
}

func (s *demoStream) Lines() <-chan panes.LogLine { return s.lines }
func (s *demoStream) Err() error                  { return nil }
func (s *demoStream) Cancel()                     { s.once.Do(s.cancel) }
