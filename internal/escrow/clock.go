package escrow

import "time"

// nowFunc is overridable in tests that need to simulate time passing
// (auto-release deadlines, warning windows) without sleeping.
var nowFunc = time.Now

// warningWindow is how far ahead of autoReleaseAt the scheduler emits an
// auto_release_warning notification.
const warningWindow = 24 * time.Hour
