package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func txRows(n int, startTS time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "ts", "description", "amount_glm", "amount_usd"})
	for i := 0; i < n; i++ {
		rows.AddRow(uuid.New().String(), startTS.Add(time.Duration(-i)*time.Hour),
			"payment", "10.5", "3.2")
	}
	return rows
}

func TestTransactionsValidation(t *testing.T) {
	s, _ := newTestStore(t)

	cases := map[string]TransactionQuery{
		"unknown sort": {SortBy: "color", Limit: 10},
		"zero limit":   {SortBy: SortByTime, Limit: 0},
		"huge limit":   {SortBy: SortByTime, Limit: 10000},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Transactions(context.Background(), q); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestTransactionsFirstPageOverflowSetsNextCursor(t *testing.T) {
	s, mock := newTestStore(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	// limit 3, scan fetches 4: overflow means another page exists.
	mock.ExpectQuery(`ORDER BY ts DESC, id DESC LIMIT 4`).
		WillReturnRows(txRows(4, now))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM placeholder_transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(20)))

	page, err := s.Transactions(context.Background(), TransactionQuery{SortBy: SortByTime, Limit: 3})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("got %d items, want 3", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatalf("next cursor missing on overflowing page")
	}
	if page.PrevCursor != "" {
		t.Fatalf("prev cursor set on first page")
	}
	if page.Total != 20 {
		t.Fatalf("total = %d, want 20", page.Total)
	}

	c, err := decodeCursor(page.NextCursor)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if c.SortBy != SortByTime || c.Ascending {
		t.Fatalf("cursor ordering = %+v", c)
	}
	if c.ID != page.Items[2].ID.String() {
		t.Fatalf("cursor pins %s, want last item %s", c.ID, page.Items[2].ID)
	}
}

func TestTransactionsLastPageHasNoNextCursor(t *testing.T) {
	s, mock := newTestStore(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`LIMIT 6`).
		WillReturnRows(txRows(2, now))
	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	page, err := s.Transactions(context.Background(), TransactionQuery{SortBy: SortByTime, Limit: 5})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor != "" {
		t.Fatalf("page = %d items, next=%q; want 2 items and no next", len(page.Items), page.NextCursor)
	}
}

func TestTransactionsBackwardPageIsReversed(t *testing.T) {
	s, mock := newTestStore(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	cursor := encodeCursor(txCursor{
		SortBy: SortByTime, Ascending: false,
		Value: now.Format(time.RFC3339Nano), ID: uuid.New().String(),
	})

	// Requested ordering is time DESC; the backward scan inverts to ASC, so
	// the database hands rows back oldest first.
	ascRows := sqlmock.NewRows([]string{"id", "ts", "description", "amount_glm", "amount_usd"})
	for i := 3; i >= 1; i-- {
		ascRows.AddRow(uuid.New().String(), now.Add(time.Duration(-i)*time.Hour), "payment", "10.5", "3.2")
	}
	mock.ExpectQuery(`\(ts, id\) > \(\$1::timestamptz, \$2::uuid\) ORDER BY ts ASC, id ASC`).
		WillReturnRows(ascRows)
	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(50)))

	page, err := s.Transactions(context.Background(), TransactionQuery{
		SortBy: SortByTime, Limit: 3, Cursor: cursor, Backward: true,
	})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("got %d items", len(page.Items))
	}
	// Items must come out in the requested ordering (DESC) even though the
	// scan ran ASC: timestamps decrease through the page.
	for i := 1; i < len(page.Items); i++ {
		if page.Items[i].TS.After(page.Items[i-1].TS) {
			t.Fatalf("items not in requested ordering: %v then %v",
				page.Items[i-1].TS, page.Items[i].TS)
		}
	}
	if page.NextCursor == "" {
		t.Fatalf("backward page must always carry a next cursor")
	}
}

func TestTransactionsRejectsCursorFromDifferentOrdering(t *testing.T) {
	s, _ := newTestStore(t)

	cursor := encodeCursor(txCursor{
		SortBy: SortByGLM, Ascending: true, Value: "10.5", ID: uuid.New().String(),
	})
	_, err := s.Transactions(context.Background(), TransactionQuery{
		SortBy: SortByTime, Limit: 10, Cursor: cursor,
	})
	if err == nil {
		t.Fatalf("expected ordering mismatch error")
	}
}

func TestTransactionsRejectsGarbageCursor(t *testing.T) {
	s, _ := newTestStore(t)
	for _, cursor := range []string{"not-base64!", "bm90IGpzb24"} {
		if _, err := s.Transactions(context.Background(), TransactionQuery{
			SortBy: SortByTime, Limit: 10, Cursor: cursor,
		}); err == nil {
			t.Fatalf("expected error for cursor %q", cursor)
		}
	}
}

func TestTransactionsAmountSortUsesNumericCast(t *testing.T) {
	s, mock := newTestStore(t)

	cursor := encodeCursor(txCursor{
		SortBy: SortByUSD, Ascending: true, Value: "3.2", ID: uuid.New().String(),
	})

	mock.ExpectQuery(`\(amount_usd, id\) > \(\$1::numeric, \$2::uuid\) ORDER BY amount_usd ASC, id ASC`).
		WillReturnRows(txRows(1, time.Now().UTC()))
	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))

	if _, err := s.Transactions(context.Background(), TransactionQuery{
		SortBy: SortByUSD, Ascending: true, Limit: 10, Cursor: cursor,
	}); err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
