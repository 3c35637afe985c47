package notify

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Notification
}

func (a *recordingAlerter) Alert(n Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, n)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func testNotification(id string, createdAt time.Time, read bool) Notification {
	return Notification{
		ID:          id,
		PrincipalID: "principal_1",
		Message:     "message " + id,
		Severity:    SeverityInfo,
		Read:        read,
		CreatedAt:   createdAt,
	}
}

func newTestStore() (*Store, uint64) {
	store := NewStore(StoreOptions{})
	gen := store.Reset("principal_1")
	return store, gen
}

func assertInvariants(t *testing.T, store *Store) {
	t.Helper()
	list := store.List()
	seen := map[string]struct{}{}
	for _, n := range list {
		if _, dup := seen[n.ID]; dup {
			t.Fatalf("duplicate id %s in collection", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.After(list[i-1].CreatedAt) {
			t.Fatalf("collection not sorted newest-first at index %d: %s after %s", i, list[i].CreatedAt, list[i-1].CreatedAt)
		}
	}
	if len(list) != store.Len() {
		t.Fatalf("List returned %d entries, Len reports %d", len(list), store.Len())
	}
}

func TestAdmitReplacesExistingEntry(t *testing.T) {
	store, gen := newTestStore()
	base := time.Now().UTC()

	if !store.Seed(gen, []Notification{testNotification("1", base, false)}) {
		t.Fatalf("seed was rejected")
	}
	updated := testNotification("1", base, false)
	updated.Message = "updated"
	if !store.Admit(gen, updated) {
		t.Fatalf("admit was rejected")
	}

	if store.Len() != 1 {
		t.Fatalf("expected one entry, got %d", store.Len())
	}
	got, ok := store.Get("1")
	if !ok || got.Message != "updated" {
		t.Fatalf("expected replaced message %q, got %+v", "updated", got)
	}
	assertInvariants(t, store)
}

func TestAdmitInsertsAtOrderingPosition(t *testing.T) {
	store, gen := newTestStore()
	base := time.Now().UTC()

	if !store.Seed(gen, nil) {
		t.Fatalf("empty seed was rejected")
	}
	store.Admit(gen, testNotification("2", base, false))
	store.Admit(gen, testNotification("1", base.Add(-time.Minute), false))

	list := store.List()
	if len(list) != 2 || list[0].ID != "2" || list[1].ID != "1" {
		t.Fatalf("expected order [2 1], got %+v", list)
	}
	assertInvariants(t, store)
}

func TestSeedAdmitConvergence(t *testing.T) {
	base := time.Now().UTC()
	seedList := []Notification{
		testNotification("a", base.Add(-time.Hour), true),
		testNotification("x", base, false),
		testNotification("b", base.Add(-2*time.Hour), false),
	}
	pushed := testNotification("x", base, false)

	first, gen1 := newTestStore()
	first.Seed(gen1, seedList)
	first.Admit(gen1, pushed)

	second, gen2 := newTestStore()
	second.Admit(gen2, pushed)
	second.Seed(gen2, seedList)

	a, b := first.List(), second.List()
	if len(a) != len(b) {
		t.Fatalf("collections diverged: %d vs %d entries", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("collections diverged at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
	assertInvariants(t, first)
	assertInvariants(t, second)
}

func TestRepeatedAdmitKeepsSingleEntry(t *testing.T) {
	store, gen := newTestStore()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		store.Admit(gen, testNotification("dup", base, false))
	}
	if store.Len() != 1 {
		t.Fatalf("expected one entry after repeated admits, got %d", store.Len())
	}
	assertInvariants(t, store)
}

func TestUnreadCountRecomputed(t *testing.T) {
	store, gen := newTestStore()
	base := time.Now().UTC()
	store.Seed(gen, []Notification{
		testNotification("1", base, false),
		testNotification("2", base.Add(-time.Minute), true),
		testNotification("3", base.Add(-2*time.Minute), false),
	})
	if got := store.UnreadCount(); got != 2 {
		t.Fatalf("expected 2 unread, got %d", got)
	}
	store.MarkRead("1")
	if got := store.UnreadCount(); got != 1 {
		t.Fatalf("expected 1 unread after MarkRead, got %d", got)
	}
	store.MarkAllRead()
	if got := store.UnreadCount(); got != 0 {
		t.Fatalf("expected 0 unread after MarkAllRead, got %d", got)
	}
	store.Admit(gen, testNotification("4", base.Add(time.Minute), false))
	if got := store.UnreadCount(); got != 1 {
		t.Fatalf("expected 1 unread after new admit, got %d", got)
	}
}

func TestMarkReadIsIdempotentAndMonotonic(t *testing.T) {
	store, gen := newTestStore()
	base := time.Now().UTC()
	store.Seed(gen, []Notification{testNotification("1", base, false)})

	store.MarkRead("1")
	store.MarkRead("1")
	store.MarkRead("missing")

	got, _ := store.Get("1")
	if !got.Read {
		t.Fatalf("expected entry to stay read")
	}
	if store.Len() != 1 {
		t.Fatalf("marking a missing id must not create entries, got %d", store.Len())
	}
}

func TestRemoveMissingIsNoop(t *testing.T) {
	store, gen := newTestStore()
	base := time.Now().UTC()
	store.Seed(gen, []Notification{testNotification("1", base, false)})
	store.Remove("1")
	store.Remove("1")
	if store.Len() != 0 {
		t.Fatalf("expected empty collection, got %d entries", store.Len())
	}
	assertInvariants(t, store)
}

func TestAdmitRejectsForeignPrincipal(t *testing.T) {
	store, gen := newTestStore()
	foreign := testNotification("1", time.Now().UTC(), false)
	foreign.PrincipalID = "someone_else"
	if store.Admit(gen, foreign) {
		t.Fatalf("expected foreign-principal admit to be rejected")
	}
	if store.Len() != 0 {
		t.Fatalf("foreign notification must not be admitted")
	}
}

func TestStaleGenerationDropped(t *testing.T) {
	store, gen := newTestStore()
	base := time.Now().UTC()
	store.Reset("principal_1")
	if store.Seed(gen, []Notification{testNotification("1", base, false)}) {
		t.Fatalf("stale seed must be dropped")
	}
	if store.Admit(gen, testNotification("2", base, false)) {
		t.Fatalf("stale admit must be dropped")
	}
	if store.Len() != 0 {
		t.Fatalf("stale operations must not apply, got %d entries", store.Len())
	}
}

func TestResetDiscardsCollection(t *testing.T) {
	store, gen := newTestStore()
	base := time.Now().UTC()
	store.Seed(gen, []Notification{testNotification("1", base, false)})
	next := store.Reset("principal_2")
	if store.Len() != 0 {
		t.Fatalf("reset must discard the collection")
	}
	if next == gen {
		t.Fatalf("reset must advance the generation")
	}
	if store.Principal() != "principal_2" {
		t.Fatalf("reset must rebind the principal")
	}
}

func TestAlertFiresOncePerNewArrival(t *testing.T) {
	alerter := &recordingAlerter{}
	store := NewStore(StoreOptions{Alerter: alerter})
	gen := store.Reset("principal_1")
	base := time.Now().UTC()

	store.Seed(gen, []Notification{testNotification("seeded", base, false)})
	if alerter.count() != 0 {
		t.Fatalf("seed must not fire alerts, got %d", alerter.count())
	}

	store.Admit(gen, testNotification("seeded", base, false))
	if alerter.count() != 0 {
		t.Fatalf("re-delivery of a seeded id must not alert, got %d", alerter.count())
	}

	store.Admit(gen, testNotification("fresh", base.Add(time.Second), false))
	if alerter.count() != 1 {
		t.Fatalf("expected exactly one alert for a new id, got %d", alerter.count())
	}
	store.Admit(gen, testNotification("fresh", base.Add(time.Second), true))
	if alerter.count() != 1 {
		t.Fatalf("update of an existing id must not re-alert, got %d", alerter.count())
	}

	store.Remove("fresh")
	store.Admit(gen, testNotification("fresh", base.Add(time.Second), true))
	if alerter.count() != 1 {
		t.Fatalf("replayed delivery of a removed id must not re-alert, got %d", alerter.count())
	}
}

func TestRandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := time.Now().UTC()

	records := make([]Notification, 0, 25)
	for i := 0; i < 25; i++ {
		records = append(records, testNotification(
			fmt.Sprintf("n%02d", i),
			base.Add(time.Duration(rng.Intn(3600))*time.Second),
			rng.Intn(2) == 0,
		))
	}
	seedList := records[:10]

	final := func(order []int) []Notification {
		store, gen := newTestStore()
		seeded := false
		for _, idx := range order {
			if idx < 0 {
				store.Seed(gen, seedList)
				seeded = true
				continue
			}
			store.Admit(gen, records[idx])
		}
		if !seeded {
			t.Fatalf("test order missing seed marker")
		}
		assertInvariants(t, store)
		return store.List()
	}

	// A seed (marker -1) plus every record admitted after it must land in
	// the same terminal state no matter how the admits are shuffled.
	makeOrder := func() []int {
		order := []int{-1}
		admits := rng.Perm(len(records))
		return append(order, admits...)
	}
	reference := final(makeOrder())
	for trial := 0; trial < 10; trial++ {
		got := final(makeOrder())
		if len(got) != len(reference) {
			t.Fatalf("trial %d diverged: %d vs %d entries", trial, len(got), len(reference))
		}
		for i := range got {
			if got[i] != reference[i] {
				t.Fatalf("trial %d diverged at %d: %+v vs %+v", trial, i, got[i], reference[i])
			}
		}
	}
}
