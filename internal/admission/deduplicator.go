package admission

import (
	"sync"

	"github.com/abclegacyllc/modelgate/internal/domain"
)

// alertDeduplicator suppresses repeat alerts at the same level for the same
// wallet. State is process-local; a restart may re-send one alert, which is
// acceptable for operational notifications.
type alertDeduplicator struct {
	mu   sync.Mutex
	last map[string]AlertLevel
}

func newAlertDeduplicator() *alertDeduplicator {
	return &alertDeduplicator{last: make(map[string]AlertLevel)}
}

func dedupKey(wt domain.WalletType, owner string) string {
	return string(wt) + ":" + owner
}

func (d *alertDeduplicator) shouldAlert(wt domain.WalletType, owner string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dedupKey(wt, owner)
	if last, ok := d.last[key]; ok && last == level {
		return false
	}
	d.last[key] = level
	return true
}

func (d *alertDeduplicator) clear(wt domain.WalletType, owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, dedupKey(wt, owner))
}
