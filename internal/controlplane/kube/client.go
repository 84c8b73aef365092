// Package kube implements controlplane.Client on top of the client-go dynamic client.
package kube

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"

	"github.com/imamik/customapp-operator/internal/controlplane"
)

// Client adapts a dynamic client to controlplane.Client.
type Client struct {
	dynamic  dynamic.Interface
	registry *controlplane.Registry
}

var _ controlplane.Client = (*Client)(nil)

// New wraps an existing dynamic client.
func New(dyn dynamic.Interface, registry *controlplane.Registry) *Client {
	return &Client{dynamic: dyn, registry: registry}
}

// NewForConfig builds a dynamic client from cfg.
func NewForConfig(cfg *rest.Config, registry *controlplane.Registry) (*Client, error) {
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	return New(dyn, registry), nil
}

func (c *Client) resource(kind controlplane.Kind, namespace string) dynamic.ResourceInterface {
	ri := c.dynamic.Resource(kind.Resource)
	if kind.Namespaced && namespace != "" {
		return ri.Namespace(namespace)
	}
	return ri
}

func (c *Client) resourceFor(kindName, namespace string) (dynamic.ResourceInterface, error) {
	kind, err := c.registry.LookupKind(kindName)
	if err != nil {
		return nil, err
	}
	return c.resource(kind, namespace), nil
}

func (c *Client) List(ctx context.Context, kind controlplane.Kind, namespace string) (*unstructured.UnstructuredList, error) {
	return c.resource(kind, namespace).List(ctx, metav1.ListOptions{})
}

func (c *Client) Watch(ctx context.Context, kind controlplane.Kind, namespace, resourceVersion string) (watch.Interface, error) {
	return c.resource(kind, namespace).Watch(ctx, metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
	})
}

func (c *Client) Get(ctx context.Context, ref controlplane.ResourceRef) (*unstructured.Unstructured, error) {
	ri, err := c.resourceFor(ref.Kind, ref.Namespace)
	if err != nil {
		return nil, err
	}
	return ri.Get(ctx, ref.Name, metav1.GetOptions{})
}

func (c *Client) Create(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	ri, err := c.resourceFor(obj.GetKind(), obj.GetNamespace())
	if err != nil {
		return nil, err
	}
	return ri.Create(ctx, obj, metav1.CreateOptions{})
}

func (c *Client) Update(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	ri, err := c.resourceFor(obj.GetKind(), obj.GetNamespace())
	if err != nil {
		return nil, err
	}
	return ri.Update(ctx, obj, metav1.UpdateOptions{})
}

func (c *Client) UpdateStatus(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	ri, err := c.resourceFor(obj.GetKind(), obj.GetNamespace())
	if err != nil {
		return nil, err
	}
	return ri.UpdateStatus(ctx, obj, metav1.UpdateOptions{})
}

func (c *Client) Delete(ctx context.Context, ref controlplane.ResourceRef, resourceVersion string) error {
	ri, err := c.resourceFor(ref.Kind, ref.Namespace)
	if err != nil {
		return err
	}
	propagation := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &propagation}
	if resourceVersion != "" {
		opts.Preconditions = &metav1.Preconditions{ResourceVersion: &resourceVersion}
	}
	return ri.Delete(ctx, ref.Name, opts)
}

// Served checks that kind is served by the API server by listing at most one object.
func (c *Client) Served(ctx context.Context, kind controlplane.Kind, namespace string) error {
	_, err := c.resource(kind, namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("%s is not served: %w", kind.Resource.String(), err)
	}
	return nil
}
