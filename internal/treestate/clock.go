package treestate

const (
	clockKey        = "clock"
	trackIgnoredKey = "track-ignored"
)

// Clock returns the persisted watcher resumption token, if any.
func (ts *TreeState) Clock() (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	c, ok := ts.metadata[clockKey]
	return c, ok
}

// SetClock stores clock as the resumption token. An empty clock clears it.
func (ts *TreeState) SetClock(clock string) {
	if clock == "" {
		ts.UpdateMetadata(map[string]*string{clockKey: nil})
		return
	}
	ts.UpdateMetadata(map[string]*string{clockKey: &clock})
}

// TrackIgnored returns the persisted track-ignored policy. The second result
// is false when no policy has been recorded yet.
func (ts *TreeState) TrackIgnored() (bool, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	v, ok := ts.metadata[trackIgnoredKey]
	return v == "1", ok
}

// MigrateTrackIgnored records the track-ignored policy. When it differs from
// the stored one, the clock is dropped so the next query re-crawls. It reports
// whether a migration happened.
func (ts *TreeState) MigrateTrackIgnored(trackIgnored bool) bool {
	want := "0"
	if trackIgnored {
		want = "1"
	}

	// An unset policy reads as "0".
	ts.mu.RLock()
	cur := ts.metadata[trackIgnoredKey]
	ts.mu.RUnlock()
	if (cur == "1") == trackIgnored {
		return false
	}

	ts.UpdateMetadata(map[string]*string{
		clockKey:        nil,
		trackIgnoredKey: &want,
	})
	return true
}
