package reconcile

import "context"

//go:generate mockgen -source=directory.go -destination=mock_directory_test.go -package=reconcile

// Directory looks up user public keys. Keys of the returned map are
// lowercased usernames; users without a public key are absent.
type Directory interface {
	PublicKeys(ctx context.Context, usernames []string) (map[string][]byte, error)
}
