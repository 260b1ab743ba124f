package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fleetstats/internal/metrics"
)

// Transaction is one row of the payment activity feed.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	TS          time.Time       `json:"ts"`
	Description string          `json:"description"`
	AmountGLM   decimal.Decimal `json:"amount_glm"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
}

// Transaction sort keys. Each is totally ordered by pairing the sort column
// with the row id, so pagination never skips or repeats rows.
const (
	SortByTime = "time"
	SortByGLM  = "glm"
	SortByUSD  = "usd"
)

var txSortColumns = map[string]string{
	SortByTime: "ts",
	SortByGLM:  "amount_glm",
	SortByUSD:  "amount_usd",
}

// TransactionQuery selects a page of the feed. Cursor is opaque to callers;
// an empty cursor starts from the top of the requested ordering.
type TransactionQuery struct {
	SortBy    string
	Ascending bool
	Limit     int
	Cursor    string
	Backward  bool // page toward the top instead of the bottom
}

// ErrInvalidQuery marks request-shape problems (bad sort key, limit, cursor)
// as distinct from backend failures.
var ErrInvalidQuery = errors.New("invalid transaction query")

func (q TransactionQuery) validate() error {
	if _, ok := txSortColumns[q.SortBy]; !ok {
		return fmt.Errorf("%w: unknown sort key %q (allowed: time, glm, usd)", ErrInvalidQuery, q.SortBy)
	}
	if q.Limit < 1 || q.Limit > 500 {
		return fmt.Errorf("%w: limit %d out of range [1, 500]", ErrInvalidQuery, q.Limit)
	}
	return nil
}

// TransactionPage is one page of the feed plus cursors for both directions.
// Cursors are empty at the corresponding end of the feed.
type TransactionPage struct {
	Items      []Transaction `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
	PrevCursor string        `json:"prev_cursor,omitempty"`
	Total      int64         `json:"total"`
}

// cursor pins a position in one specific ordering. SortBy and Ascending are
// baked in so a cursor minted under one ordering cannot be replayed under
// another.
type txCursor struct {
	SortBy    string `json:"s"`
	Ascending bool   `json:"a"`
	Value     string `json:"v"`
	ID        string `json:"id"`
}

func encodeCursor(c txCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (txCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return txCursor{}, fmt.Errorf("%w: malformed cursor: %v", ErrInvalidQuery, err)
	}
	var c txCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return txCursor{}, fmt.Errorf("%w: malformed cursor: %v", ErrInvalidQuery, err)
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return txCursor{}, fmt.Errorf("%w: malformed cursor id: %v", ErrInvalidQuery, err)
	}
	return c, nil
}

func cursorFor(q TransactionQuery, t Transaction) txCursor {
	c := txCursor{SortBy: q.SortBy, Ascending: q.Ascending, ID: t.ID.String()}
	switch q.SortBy {
	case SortByGLM:
		c.Value = t.AmountGLM.String()
	case SortByUSD:
		c.Value = t.AmountUSD.String()
	default:
		c.Value = t.TS.UTC().Format(time.RFC3339Nano)
	}
	return c
}

// Transactions returns one page of the feed in the requested ordering.
//
// Paging is keyset-based on (sort column, id): a backward page scans in the
// inverted order from the cursor and is reversed before returning, so items
// always appear in the requested ordering. One extra row is fetched to decide
// whether another page exists in the scan direction.
func (s *Store) Transactions(ctx context.Context, q TransactionQuery) (TransactionPage, error) {
	if err := q.validate(); err != nil {
		return TransactionPage{}, err
	}

	col := txSortColumns[q.SortBy]

	// Effective scan direction: requested ordering, flipped for backward pages.
	scanAsc := q.Ascending
	if q.Backward {
		scanAsc = !scanAsc
	}
	dir := "DESC"
	cmp := "<"
	if scanAsc {
		dir = "ASC"
		cmp = ">"
	}

	var (
		args []any
		cond string
	)
	if q.Cursor != "" {
		c, err := decodeCursor(q.Cursor)
		if err != nil {
			return TransactionPage{}, err
		}
		if c.SortBy != q.SortBy || c.Ascending != q.Ascending {
			return TransactionPage{}, fmt.Errorf("%w: cursor minted under a different ordering", ErrInvalidQuery)
		}
		cast := "timestamptz"
		if q.SortBy != SortByTime {
			cast = "numeric"
		}
		cond = fmt.Sprintf("WHERE (%s, id) %s ($1::%s, $2::uuid)", col, cmp, cast)
		args = append(args, c.Value, c.ID)
	}

	query := fmt.Sprintf(`SELECT id, ts, description, amount_glm, amount_usd
		FROM placeholder_transactions %s ORDER BY %s %s, id %s LIMIT %d`,
		cond, col, dir, dir, q.Limit+1)

	t0 := time.Now()
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return TransactionPage{}, err
	}
	defer rows.Close()

	var items []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.TS, &t.Description, &t.AmountGLM, &t.AmountUSD); err != nil {
			return TransactionPage{}, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return TransactionPage{}, err
	}
	metrics.ObserveDB("transactions_page", time.Since(t0))

	moreInScanDirection := len(items) > q.Limit
	if moreInScanDirection {
		items = items[:q.Limit]
	}
	if q.Backward {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}

	page := TransactionPage{Items: items}
	if len(items) > 0 {
		first, last := items[0], items[len(items)-1]
		// Forward: next exists if the scan overflowed, prev if we came from a
		// cursor. Backward mirrors that.
		if q.Backward {
			if moreInScanDirection {
				page.PrevCursor = encodeCursor(cursorFor(q, first))
			}
			page.NextCursor = encodeCursor(cursorFor(q, last))
		} else {
			if moreInScanDirection {
				page.NextCursor = encodeCursor(cursorFor(q, last))
			}
			if q.Cursor != "" {
				page.PrevCursor = encodeCursor(cursorFor(q, first))
			}
		}
	}

	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM placeholder_transactions`).Scan(&page.Total); err != nil {
		if err != sql.ErrNoRows {
			return TransactionPage{}, err
		}
	}
	return page, nil
}

// InsertTransaction records one feed entry. The collector never writes this
// table; rows arrive through backfills and tests.
func (s *Store) InsertTransaction(ctx context.Context, t Transaction) error {
	t0 := time.Now()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO placeholder_transactions
		(id, ts, description, amount_glm, amount_usd) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.TS, t.Description, t.AmountGLM, t.AmountUSD)
	metrics.ObserveDB("insert_transaction", time.Since(t0))
	return err
}
