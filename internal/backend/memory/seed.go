package memory

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"keel/internal/backend"
)

// SeedUser registers a confirmed account directly, bypassing the sign-up
// flow. Used by tests and the demo binary.
func (b *Backend) SeedUser(email, password, fullName string) string {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	now := time.Now()
	acct := &account{
		id:           uuid.NewString(),
		email:        normalize(email),
		passwordHash: hash,
		confirmedAt:  &now,
		metadata:     map[string]string{"full_name": fullName},
		identities:   []backend.Identity{{ID: uuid.NewString(), Provider: "email"}},
	}
	b.mu.Lock()
	b.accounts[acct.email] = acct
	b.mu.Unlock()
	return acct.id
}

// ArmIDToken registers an id token the native-credential flow will accept
// for the given seeded account.
func (b *Backend) ArmIDToken(idToken, email string) {
	b.mu.Lock()
	b.idTokens[idToken] = normalize(email)
	b.mu.Unlock()
}

// ArmOAuthIdentity selects the account that browser OAuth starts will
// resolve to.
func (b *Backend) ArmOAuthIdentity(email string) {
	b.mu.Lock()
	b.oauthEmail = normalize(email)
	b.mu.Unlock()
}

// PendingCode returns the authorization code minted by the most recent
// SignInWithOAuth call.
func (b *Backend) PendingCode() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingCode
}

// Outbox returns a copy of all delivered emails.
func (b *Backend) Outbox() []Email {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Email(nil), b.outbox...)
}

// LastEmail returns the most recent delivered email, or false when none.
func (b *Backend) LastEmail() (Email, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outbox) == 0 {
		return Email{}, false
	}
	return b.outbox[len(b.outbox)-1], true
}

// AutoRefreshRunning reports the auto-refresh toggle state.
func (b *Backend) AutoRefreshRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.autoRefreshRunning
}

// SubscriberCount reports active OnAuthStateChange registrations.
func (b *Backend) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
