// File: internal/kube/client.go
// Brief: Internal kube package implementation for 'client'.

// Package kube wires kpane to a Kubernetes cluster: client construction, the
// namespace and pod catalogs, and the container log source.
package kube

import (
	"context"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
)

// UnknownCluster is reported when the cluster name cannot be resolved.
const UnknownCluster = "Unknown Cluster"

// Client bundles the Kubernetes access used throughout the application.
type Client struct {
	RESTConfig  *rest.Config
	Clientset   kubernetes.Interface
	// Streams serves long-lived log requests and carries no request timeout.
	Streams     kubernetes.Interface
	Namespace   string
	Context     string
	ClusterName string
	Stats       *APIStats
}

// New builds a Kubernetes client configuration honoring the provided kubeconfig path and context.
func New(ctx context.Context, kubeconfigPath, contextName string) (*Client, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		expanded, err := homedir.Expand(kubeconfigPath)
		if err != nil {
			return nil, errors.Wrap(err, "expand kubeconfig path")
		}
		loadingRules.Precedence = []string{filepath.Clean(expanded)}
	}

	overrides := &clientcmd.ConfigOverrides{ClusterInfo: api.Cluster{Server: ""}}
	if contextName != "" {
		overrides.CurrentContext = contextName
	}
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
	namespace, _, err := clientConfig.Namespace()
	if err != nil {
		return nil, errors.Wrap(err, "resolve default namespace")
	}
	restConfig, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "build rest config")
	}
	rest.SetDefaultWarningHandler(rest.NoWarnings{})

	restConfig.Timeout = 30 * time.Second
	restConfig.QPS = 50
	restConfig.Burst = 100
	stats := &APIStats{}
	instrument(restConfig, stats)

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Wrap(err, "create typed client")
	}
	streamConfig := rest.CopyConfig(restConfig)
	streamConfig.Timeout = 0
	streams, err := kubernetes.NewForConfig(streamConfig)
	if err != nil {
		return nil, errors.Wrap(err, "create log stream client")
	}

	currentContext, clusterName := resolveClusterName(clientConfig, contextName)
	return &Client{
		RESTConfig:  restConfig,
		Clientset:   clientset,
		Streams:     streams,
		Namespace:   namespace,
		Context:     currentContext,
		ClusterName: clusterName,
		Stats:       stats,
	}, nil
}

// NewForClientset wraps an existing clientset, typically a fake one.
func NewForClientset(clientset kubernetes.Interface, namespace, clusterName string) *Client {
	if clusterName == "" {
		clusterName = UnknownCluster
	}
	return &Client{Clientset: clientset, Streams: clientset, Namespace: namespace, ClusterName: clusterName}
}

// resolveClusterName returns the active context and the name of the cluster
// it points at. Missing or unreadable kubeconfig data yields UnknownCluster.
func resolveClusterName(cfg clientcmd.ClientConfig, contextName string) (string, string) {
	raw, err := cfg.RawConfig()
	if err != nil {
		return contextName, UnknownCluster
	}
	current := contextName
	if current == "" {
		current = raw.CurrentContext
	}
	kctx, ok := raw.Contexts[current]
	if !ok || kctx == nil || kctx.Cluster == "" {
		return current, UnknownCluster
	}
	return current, kctx.Cluster
}
