// File: internal/kube/catalog.go
// Brief: Internal kube package implementation for 'catalog'.

package kube

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/example/kpane/internal/panes"
)

// ListNamespaces returns every namespace name, sorted.
func ListNamespaces(ctx context.Context, client kubernetes.Interface) ([]string, error) {
	list, err := client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "list namespaces")
	}
	names := make([]string, 0, len(list.Items))
	for _, ns := range list.Items {
		names = append(names, ns.Name)
	}
	sort.Strings(names)
	return names, nil
}

// PodCatalog lists the pods of namespace with their containers.
func PodCatalog(ctx context.Context, client kubernetes.Interface, namespace string) (panes.Catalog, error) {
	list, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "list pods in namespace %s", namespace)
	}
	pods := make([]*corev1.Pod, 0, len(list.Items))
	for i := range list.Items {
		pods = append(pods, &list.Items[i])
	}
	return catalogFromPods(pods), nil
}

// catalogFromPods orders pods by name. Each pod lists its regular containers
// first, then its init containers, each group in pod spec order.
func catalogFromPods(pods []*corev1.Pod) panes.Catalog {
	sorted := make([]*corev1.Pod, 0, len(pods))
	for _, pod := range pods {
		if pod == nil || pod.DeletionTimestamp != nil {
			continue
		}
		sorted = append(sorted, pod)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	out := make(panes.Catalog, 0, len(sorted))
	for _, pod := range sorted {
		containers := make([]string, 0, len(pod.Spec.Containers)+len(pod.Spec.InitContainers))
		for _, c := range pod.Spec.Containers {
			containers = append(containers, c.Name)
		}
		for _, c := range pod.Spec.InitContainers {
			containers = append(containers, c.Name)
		}
		out = append(out, panes.PodContainers{Pod: pod.Name, Containers: containers})
	}
	return out
}

// CatalogWatcher keeps a namespace's pod catalog current through an informer
// and reports every change.
type CatalogWatcher struct {
	client    kubernetes.Interface
	namespace string
	log       logr.Logger

	// refreshMu keeps catalog notifications in order.
	refreshMu sync.Mutex
	mu        sync.Mutex
	current   panes.Catalog
	synced    bool
	onChange  []func(panes.Catalog)
	informer  cache.SharedIndexInformer
}

// NewCatalogWatcher creates a watcher for namespace. Call Run to start it.
func NewCatalogWatcher(client kubernetes.Interface, namespace string, logger logr.Logger) *CatalogWatcher {
	return &CatalogWatcher{
		client:    client,
		namespace: namespace,
		log:       logger.WithName("catalog").WithValues("namespace", namespace),
	}
}

// OnChange registers fn to receive the catalog after every change, starting
// with the initial listing. fn runs on the informer goroutine.
func (w *CatalogWatcher) OnChange(fn func(panes.Catalog)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	current, synced := w.current, w.synced
	w.mu.Unlock()
	if synced && current != nil {
		fn(current)
	}
}

// Current returns the last known catalog.
func (w *CatalogWatcher) Current() panes.Catalog {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run starts the informer and blocks until ctx is done.
func (w *CatalogWatcher) Run(ctx context.Context) error {
	namespace := w.namespace
	lw := &cache.ListWatch{
		ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
			return w.client.CoreV1().Pods(namespace).List(ctx, options)
		},
		WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
			return w.client.CoreV1().Pods(namespace).Watch(ctx, options)
		},
	}
	informer := cache.NewSharedIndexInformer(lw, &corev1.Pod{}, 0, cache.Indexers{cache.NamespaceIndex: cache.MetaNamespaceIndexFunc})
	if _, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(interface{}) { w.refresh() },
		UpdateFunc: func(_, _ interface{}) { w.refresh() },
		DeleteFunc: func(interface{}) { w.refresh() },
	}); err != nil {
		return errors.Wrap(err, "register pod handler")
	}
	w.mu.Lock()
	w.informer = informer
	w.mu.Unlock()

	go informer.Run(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("failed to sync pod informer")
	}
	w.log.V(1).Info("pod informer synced")
	w.mu.Lock()
	w.synced = true
	w.mu.Unlock()
	w.refresh()

	<-ctx.Done()
	return nil
}

func (w *CatalogWatcher) refresh() {
	w.refreshMu.Lock()
	defer w.refreshMu.Unlock()
	w.mu.Lock()
	informer, synced := w.informer, w.synced
	w.mu.Unlock()
	if informer == nil || !synced {
		return
	}
	objs := informer.GetStore().List()
	pods := make([]*corev1.Pod, 0, len(objs))
	for _, obj := range objs {
		if pod, ok := obj.(*corev1.Pod); ok {
			pods = append(pods, pod)
		}
	}
	next := catalogFromPods(pods)

	w.mu.Lock()
	if w.current != nil && reflect.DeepEqual(w.current, next) {
		w.mu.Unlock()
		return
	}
	w.current = next
	handlers := append([]func(panes.Catalog){}, w.onChange...)
	w.mu.Unlock()

	w.log.V(1).Info("pod catalog changed", "pods", len(next))
	for _, fn := range handlers {
		fn(next)
	}
}
