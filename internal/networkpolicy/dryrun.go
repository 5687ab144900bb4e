package networkpolicy

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/floe-dev/floe/internal/ferrors"
)

var dryRunScheme = buildDryRunScheme()

func buildDryRunScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	_ = corev1.AddToScheme(s)
	_ = networkingv1.AddToScheme(s)
	_ = rbacv1.AddToScheme(s)
	return s
}

// ValidateDryRun submits every generated object to a controller-runtime
// fake API server with server-side dry-run semantics, catching a
// malformed manifest (missing required fields, an unregistered object
// kind) before it ever reaches a real cluster (spec §6.1 "manifest
// fails dry-run"). Objects that don't satisfy client.Object (summary
// documents, nil entries) are skipped.
func ValidateDryRun(ctx context.Context, objects []runtime.Object) error {
	c := fake.NewClientBuilder().WithScheme(dryRunScheme).Build()
	for _, obj := range objects {
		co, ok := obj.(client.Object)
		if !ok || co == nil {
			continue
		}
		if err := c.Create(ctx, co, client.DryRunAll); err != nil {
			return ferrors.Wrap(err, ferrors.KindNetworkValidation, "generated manifest failed dry-run validation")
		}
	}
	return nil
}
