package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/go-cmp/cmp"

	"github.com/atenni/offboarding-automation/internal/ddbtest"
)

// racingTable lets another writer in between a read and the following write.
type racingTable struct {
	*ddbtest.Table
	afterGet func()
}

func (r *racingTable) GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	out, err := r.Table.GetItem(ctx, in, optFns...)
	if r.afterGet != nil {
		r.afterGet()
	}
	return out, err
}

func TestUpsertItem(t *testing.T) {

	c := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	tbl := newTable()
	s := newTestStore(t, tbl, c.now)
	ctx := context.Background()

	created, err := s.UpsertItem(ctx, Item{Email: "a@x.com", Status: StatusQueued, OffboardingDate: "2024-03-01", SnowID: "INC1"})
	if err != nil {
		t.Fatalf("could not create item: %v", err)
	}
	if created.Item.Version != 1 || created.Item.CreatedAt != created.Item.UpdatedAt {
		t.Errorf("unexpected new item: %+v", created.Item)
	}

	// identical payload: nothing written
	same, err := s.UpsertItem(ctx, Item{Email: "a@x.com", Status: StatusQueued, OffboardingDate: "2024-03-01", SnowID: "INC1"})
	if err != nil {
		t.Fatalf("could not upsert unchanged item: %v", err)
	}
	if diff := cmp.Diff(created.Item, same.Item); diff != "" {
		t.Errorf("unchanged upsert rewrote the item (-want +got):\n%s", diff)
	}

	// status change moves the item within the index
	moved, err := s.UpsertItem(ctx, Item{Email: "a@x.com", Status: StatusInProgress, OffboardingDate: "2024-03-01", SnowID: "INC1"})
	if err != nil {
		t.Fatalf("could not update item: %v", err)
	}
	if moved.Item.CreatedAt != created.Item.CreatedAt {
		t.Errorf("expected created_at %v, got %v", created.Item.CreatedAt, moved.Item.CreatedAt)
	}
	if moved.Item.UpdatedAt <= created.Item.UpdatedAt {
		t.Errorf("expected updated_at after %v, got %v", created.Item.UpdatedAt, moved.Item.UpdatedAt)
	}
	if moved.Item.Version != 2 {
		t.Errorf("expected version 2, got %v", moved.Item.Version)
	}

	queued, err := s.GetQueueForDate(ctx, "2024-03-01")
	if err != nil {
		t.Fatalf("could not get queue: %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("expected item to leave the queued partition, got %v", emails(queued))
	}
	inProgress, err := s.QueryByKey(ctx, IndexLookup{Status: StatusInProgress, OffboardingDate: "2024-03-01"})
	if err != nil {
		t.Fatalf("could not query index: %v", err)
	}
	if diff := cmp.Diff([]Item{moved.Item}, inProgress); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected one row, got %d", tbl.Len())
	}
}

func TestUpsertItemConflict(t *testing.T) {

	rivalUpsert := func(ctx context.Context, rival *Store) error {
		_, err := rival.UpsertItem(ctx, Item{Email: "a@x.com", Status: StatusError, OffboardingDate: "2024-03-01", SnowID: "INC9"})
		return err
	}
	rivalAdd := func(ctx context.Context, rival *Store) error {
		_, err := rival.AddItem(ctx, Item{Email: "a@x.com", Status: StatusError, OffboardingDate: "2024-03-01", SnowID: "INC9"})
		return err
	}

	tt := []struct {
		name     string
		existing bool
		rival    func(context.Context, *Store) error
	}{
		{name: "concurrent create", rival: rivalUpsert},
		{name: "concurrent update", existing: true, rival: rivalUpsert},
		{name: "concurrent add", existing: true, rival: rivalAdd},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {

			tbl := newTable()
			rt := &racingTable{Table: tbl}
			s := newTestStore(t, rt, time.Now)
			ctx := context.Background()

			if tc.existing {
				seed(t, s, Item{Email: "a@x.com", Status: StatusQueued, OffboardingDate: "2024-03-01", SnowID: "INC1"})
			}

			rival := New(tbl, "queue")
			rt.afterGet = func() {
				rt.afterGet = nil
				if err := tc.rival(ctx, rival); err != nil {
					t.Fatalf("rival write failed: %v", err)
				}
			}

			_, err := s.UpsertItem(ctx, Item{Email: "a@x.com", Status: StatusInProgress, OffboardingDate: "2024-03-01", SnowID: "INC1"})
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}

			got, err := s.GetItem(ctx, "a@x.com")
			if err != nil {
				t.Fatalf("could not read item: %v", err)
			}
			if got.Status != StatusError || got.SnowID != "INC9" {
				t.Errorf("expected rival's write to survive, got %+v", got)
			}
		})
	}
}

func TestEnqueueItem(t *testing.T) {

	tt := []struct {
		name        string
		stored      Status
		snowID      string
		wantStatus  Status
		wantVersion int64
	}{
		{name: "new item", wantStatus: StatusQueued, snowID: "INC1", wantVersion: 1},
		{name: "retry while queued", stored: StatusQueued, snowID: "INC1", wantStatus: StatusQueued, wantVersion: 1},
		{name: "retry after claim", stored: StatusInProgress, snowID: "INC1", wantStatus: StatusInProgress, wantVersion: 1},
		{name: "retry after success", stored: StatusSuccess, snowID: "INC1", wantStatus: StatusSuccess, wantVersion: 1},
		{name: "retry after error", stored: StatusError, snowID: "INC1", wantStatus: StatusQueued, wantVersion: 2},
		{name: "new snow id while in progress", stored: StatusInProgress, snowID: "INC2", wantStatus: StatusInProgress, wantVersion: 2},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {

			s := newTestStore(t, newTable(), time.Now)
			ctx := context.Background()
			if tc.stored != "" {
				seed(t, s, Item{Email: "a@x.com", Status: tc.stored, OffboardingDate: "2024-03-01", SnowID: "INC1"})
			}

			res, err := s.EnqueueItem(ctx, Item{Email: "a@x.com", Status: StatusSuccess, OffboardingDate: "2024-03-01", SnowID: tc.snowID})
			if err != nil {
				t.Fatalf("could not enqueue item: %v", err)
			}

			got, err := s.GetItem(ctx, "a@x.com")
			if err != nil {
				t.Fatalf("could not read item: %v", err)
			}
			if got.Status != tc.wantStatus {
				t.Errorf("expected status %v, got %v", tc.wantStatus, got.Status)
			}
			if got.Version != tc.wantVersion {
				t.Errorf("expected version %v, got %v", tc.wantVersion, got.Version)
			}
			if got.SnowID != tc.snowID {
				t.Errorf("expected snow_id %v, got %v", tc.snowID, got.SnowID)
			}
			if diff := cmp.Diff(res.Item, *got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEnqueueItemAfterClaim(t *testing.T) {

	s := newTestStore(t, newTable(), time.Now)
	ctx := context.Background()
	item := Item{Email: "a@x.com", OffboardingDate: "2024-03-01", SnowID: "INC1"}

	if _, err := s.EnqueueItem(ctx, item); err != nil {
		t.Fatalf("could not enqueue item: %v", err)
	}
	if _, err := s.ClaimForProcessing(ctx, "a@x.com"); err != nil {
		t.Fatalf("could not claim: %v", err)
	}
	if _, err := s.EnqueueItem(ctx, item); err != nil {
		t.Fatalf("could not enqueue retry: %v", err)
	}

	queued, err := s.GetQueueForDate(ctx, "2024-03-01")
	if err != nil {
		t.Fatalf("could not get queue: %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("expected claimed item to stay off the queue, got %v", emails(queued))
	}
}

func TestUpsertItemUnversioned(t *testing.T) {

	tbl := newTable()
	err := tbl.Put(map[string]types.AttributeValue{
		EmailAttr:           ddbtest.S("a@x.com"),
		StatusAttr:          ddbtest.S("QUEUED"),
		OffboardingDateAttr: ddbtest.S("2024-03-01"),
		"snow_id":           ddbtest.S("INC1"),
		"created_at":        ddbtest.S("2023-01-01T00:00:00.000Z"),
	})
	if err != nil {
		t.Fatalf("could not seed raw item: %v", err)
	}
	s := newTestStore(t, tbl, time.Now)

	res, err := s.UpsertItem(context.Background(), Item{Email: "a@x.com", Status: StatusInProgress, OffboardingDate: "2024-03-01", SnowID: "INC1"})
	if err != nil {
		t.Fatalf("could not upsert over unversioned item: %v", err)
	}
	if res.Item.CreatedAt != "2023-01-01T00:00:00.000Z" {
		t.Errorf("expected created_at to be kept, got %v", res.Item.CreatedAt)
	}
	if res.Item.Version != 1 {
		t.Errorf("expected version 1, got %v", res.Item.Version)
	}
}

func TestMoveItem(t *testing.T) {

	tt := []struct {
		name     string
		from     string
		to       string
		occupied bool
		err      error
	}{
		{name: "happy", from: "a@x.com", to: "a@y.com"},
		{name: "target taken", from: "a@x.com", to: "b@x.com", occupied: true, err: ErrConflict},
		{name: "source missing", from: "z@x.com", to: "a@y.com", err: ErrNotFound},
		{name: "same email", from: "a@x.com", to: "a@x.com"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {

			c := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
			tbl := newTable()
			s := newTestStore(t, tbl, c.now)
			ctx := context.Background()

			seed(t, s, Item{Email: "a@x.com", Status: StatusQueued, OffboardingDate: "2024-03-01", SnowID: "INC1"})
			if tc.occupied {
				seed(t, s, Item{Email: "b@x.com", Status: StatusQueued, OffboardingDate: "2024-03-02", SnowID: "INC2"})
			}
			before := tbl.Len()

			res, err := s.MoveItem(ctx, tc.from, Item{Email: tc.to, Status: StatusInProgress, OffboardingDate: "2024-03-05", SnowID: "INC1"})
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				if tbl.Len() != before {
					t.Errorf("expected table untouched, had %d items, now %d", before, tbl.Len())
				}
				return
			}
			if err != nil {
				t.Fatalf("could not move item: %v", err)
			}

			if res.Item.CreatedAt != "2024-03-01T09:00:00.000Z" {
				t.Errorf("expected created_at to be kept, got %v", res.Item.CreatedAt)
			}
			if tbl.Len() != 1 {
				t.Errorf("expected exactly one row, got %d", tbl.Len())
			}
			if tc.from != tc.to && tbl.Raw(tc.from) != nil {
				t.Errorf("expected %v to be gone", tc.from)
			}

			got, err := s.GetItem(ctx, tc.to)
			if err != nil {
				t.Fatalf("could not read moved item: %v", err)
			}
			if diff := cmp.Diff(res.Item, *got); diff != "" {
				t.Errorf("moved item mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTransition(t *testing.T) {

	tt := []struct {
		name  string
		email string
		from  Status
		to    Status
		err   error
		msg   string
	}{
		{name: "claim", email: "a@x.com", from: StatusQueued, to: StatusInProgress},
		{name: "wrong current status", email: "a@x.com", from: StatusInProgress, to: StatusSuccess, err: ErrConflict, msg: "is QUEUED"},
		{name: "missing", email: "z@x.com", from: StatusQueued, to: StatusInProgress, err: ErrNotFound},
		{name: "not allowed", email: "a@x.com", from: StatusQueued, to: StatusSuccess, err: ErrInvalidTransition},
		{name: "no email", from: StatusQueued, to: StatusInProgress, err: ErrInvalidLookup},
		{name: "stored without status", email: "raw@x.com", from: StatusQueued, to: StatusInProgress, err: ErrConflict, msg: "raw@x.com is not QUEUED"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {

			c := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
			tbl := newTable()
			s := newTestStore(t, tbl, c.now)
			ctx := context.Background()
			seed(t, s, Item{Email: "a@x.com", Status: StatusQueued, OffboardingDate: "2024-03-01", SnowID: "INC1"})
			if err := tbl.Put(map[string]types.AttributeValue{EmailAttr: ddbtest.S("raw@x.com")}); err != nil {
				t.Fatalf("could not seed raw item: %v", err)
			}

			got, err := s.Transition(ctx, tc.email, tc.from, tc.to)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				if tc.msg != "" && !strings.Contains(err.Error(), tc.msg) {
					t.Errorf("expected error to contain %q, got %q", tc.msg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("could not transition: %v", err)
			}

			want := Item{
				Email: "a@x.com", Status: tc.to, OffboardingDate: "2024-03-01", SnowID: "INC1",
				CreatedAt: "2024-03-01T09:00:00.000Z", UpdatedAt: "2024-03-01T09:00:01.000Z", Version: 2,
			}
			if diff := cmp.Diff(want, *got); diff != "" {
				t.Errorf("item mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClaimForProcessingTwice(t *testing.T) {

	s := newTestStore(t, newTable(), time.Now)
	ctx := context.Background()
	seed(t, s, Item{Email: "a@x.com", Status: StatusQueued, OffboardingDate: "2024-03-01", SnowID: "INC1"})

	if _, err := s.ClaimForProcessing(ctx, "a@x.com"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if _, err := s.ClaimForProcessing(ctx, "a@x.com"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected second claim to conflict, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {

	all := []Status{StatusQueued, StatusInProgress, StatusError, StatusSuccess}
	allowed := map[[2]Status]bool{
		{StatusQueued, StatusInProgress}:  true,
		{StatusInProgress, StatusError}:   true,
		{StatusInProgress, StatusSuccess}: true,
		{StatusError, StatusQueued}:       true,
	}

	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != allowed[[2]Status{from, to}] {
				t.Errorf("CanTransition(%v, %v) = %v", from, to, got)
			}
		}
	}
}
