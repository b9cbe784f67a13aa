package secrets

import (
	"context"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/deployer/internal/model"
)

// Synchronizer pulls a bundle's refs from the remote store and materializes
// them into a single runtime Secret. Partial credential sets are worse than
// none: every ref must resolve or nothing is written.
type Synchronizer struct {
	store     Store
	client    client.Client
	namespace string
	now       func() time.Time
}

// NewSynchronizer creates a synchronizer writing into the given namespace.
func NewSynchronizer(store Store, c client.Client, namespace string) *Synchronizer {
	return &Synchronizer{
		store:     store,
		client:    c,
		namespace: namespace,
		now:       time.Now,
	}
}

// Sync resolves every ref in the bundle and writes all slots in one
// create-or-update of the backing Secret. On any fetch failure the call
// returns *Error for the failing key and the runtime object is untouched.
// On success the bundle is stamped with revision+1 and the fetch time.
func (s *Synchronizer) Sync(ctx context.Context, bundle *model.SecretBundle) (model.MaterializedBundle, error) {
	logger := log.FromContext(ctx).WithName("secret-sync")

	// An environment with no declared refs has nothing to materialize.
	if len(bundle.Refs) == 0 {
		return model.MaterializedBundle{SecretName: bundle.Name}, nil
	}

	resolved := make(map[string][]byte, len(bundle.Refs))
	slots := make([]string, 0, len(bundle.Refs))
	for _, ref := range bundle.Refs {
		value, err := s.store.FetchSecret(ctx, ref.Key, ref.Property)
		if err != nil {
			return model.MaterializedBundle{}, &Error{Key: ref.Key, Err: err}
		}
		resolved[ref.Slot] = []byte(value)
		slots = append(slots, ref.Slot)
	}

	fetchedAt := s.now().UTC()
	revision := bundle.Revision + 1

	if err := s.writeSecret(ctx, bundle.Name, revision, resolved); err != nil {
		return model.MaterializedBundle{}, err
	}

	bundle.Revision = revision
	bundle.FetchedAt = fetchedAt

	logger.Info("secret bundle materialized",
		"bundle", bundle.Name,
		"revision", revision,
		"slots", len(slots),
	)

	return model.MaterializedBundle{
		SecretName: bundle.Name,
		Revision:   revision,
		FetchedAt:  fetchedAt,
		Slots:      slots,
	}, nil
}

// EnsureFresh re-syncs the bundle when its materialized form is stale or has
// never been written. A fresh bundle is returned as-is without store traffic.
func (s *Synchronizer) EnsureFresh(ctx context.Context, bundle *model.SecretBundle) (model.MaterializedBundle, error) {
	if !bundle.Stale(s.now()) {
		slots := make([]string, 0, len(bundle.Refs))
		for _, ref := range bundle.Refs {
			slots = append(slots, ref.Slot)
		}
		return model.MaterializedBundle{
			SecretName: bundle.Name,
			Revision:   bundle.Revision,
			FetchedAt:  bundle.FetchedAt,
			Slots:      slots,
		}, nil
	}
	return s.Sync(ctx, bundle)
}

func (s *Synchronizer) writeSecret(ctx context.Context, name string, revision int64, data map[string][]byte) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.namespace,
			Annotations: map[string]string{
				"deployer.apptrail.sh/revision": formatRevision(revision),
			},
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}

	err := s.client.Create(ctx, secret)
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return err
	}

	existing := &corev1.Secret{}
	if err := s.client.Get(ctx, types.NamespacedName{Name: name, Namespace: s.namespace}, existing); err != nil {
		return err
	}
	existing.Annotations = secret.Annotations
	existing.Data = data
	return s.client.Update(ctx, existing)
}

func formatRevision(revision int64) string {
	return strconv.FormatInt(revision, 10)
}
