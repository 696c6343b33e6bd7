package holderfeed

import (
	"context"
	"database/sql"
	"math/big"
	"testing"
	"time"

	"go-holderfeed/database"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRankingStore(t *testing.T) {
	const tablePrefix = "test_feed"

	var (
		newDb = func(t *testing.T) *sql.DB {
			var db = database.SetupTestDatabase(t)
			require.NoError(t, database.Migrate(db, tablePrefix))
			return db
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		row = func(rank int, owner string, amount int64, pct string) RankingRow {
			return RankingRow{
				EntityID:   testMint,
				Rank:       rank,
				OwnerID:    owner,
				Balance:    big.NewInt(amount),
				Percentage: decimal.RequireFromString(pct),
			}
		}
		replace = func(t *testing.T, sut *PostgresRankingStore, rows []RankingRow, events []MembershipEvent) {
			var tx, err = sut.BeginReplace(newCtx(), testMint)
			require.NoError(t, err)
			_, err = tx.Previous(newCtx())
			require.NoError(t, err)
			require.NoError(t, tx.Replace(newCtx(), rows, events))
			require.NoError(t, tx.Commit())
		}
		owners = func(rows []RankingRow) []string {
			var out = make([]string, len(rows))
			for i, r := range rows {
				out[i] = r.OwnerID
			}
			return out
		}
	)

	t.Run("should commit a ranking with its events", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			ctx   = newCtx()
			sut   = NewPostgresRankingStore(newDb(t), tablePrefix)
			one   = 1
			two   = 2
			huge  = new(big.Int).Lsh(big.NewInt(1), 100)
			rows  = []RankingRow{row(1, "W3", 0, "99.9999"), row(2, "W2", 500, "0.0001")}
			event = []MembershipEvent{
				{EntityID: testMint, OwnerID: "W3", Type: EventEnter, RankAfter: &one},
				{EntityID: testMint, OwnerID: "W2", Type: EventEnter, RankAfter: &two},
			}
		)
		rows[0].Balance = huge

		// Act
		replace(t, sut, rows, event)
		var current, err = sut.LoadCurrent(ctx, testMint)
		require.NoError(t, err)
		events, eventsErr := sut.ListEvents(ctx, testMint, 10)

		// Assert
		require.NoError(t, eventsErr)
		require.Len(t, current, 2)
		assert.Equal(t, 0, huge.Cmp(current[0].Balance))
		assert.Equal(t, "99.9999", current[0].Percentage.StringFixed(4))
		assert.Equal(t, "W2", current[1].OwnerID)
		assert.WithinDuration(t, time.Now(), current[0].UpdatedAt, time.Minute)

		require.Len(t, events, 2)
		assert.Equal(t, "W2", events[0].OwnerID, "newest first")
		assert.Equal(t, 2, events[0].Rank())
		assert.Nil(t, events[0].RankBefore)
		assert.Equal(t, EventEnter, events[1].Type)
	})

	t.Run("should replace the previous ranking entirely", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			ctx = newCtx()
			sut = NewPostgresRankingStore(newDb(t), tablePrefix)
		)
		replace(t, sut, []RankingRow{row(1, "A", 3, "30"), row(2, "B", 2, "20"), row(3, "C", 1, "10")}, nil)

		// Act
		replace(t, sut, []RankingRow{row(1, "C", 9, "90")}, nil)
		var current, err = sut.LoadCurrent(ctx, testMint)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"C"}, owners(current))
	})

	t.Run("should leave the previous ranking intact when the write fails midway", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			ctx = newCtx()
			sut = NewPostgresRankingStore(newDb(t), tablePrefix)
		)
		replace(t, sut, []RankingRow{row(1, "A", 3, "30"), row(2, "B", 2, "20")}, nil)

		var tx, err = sut.BeginReplace(ctx, testMint)
		require.NoError(t, err)
		_, err = tx.Previous(ctx)
		require.NoError(t, err)

		// Act - the delete succeeds, then the duplicate owner violates the unique constraint
		var replaceErr = tx.Replace(ctx, []RankingRow{row(1, "X", 5, "50"), row(2, "X", 4, "40")}, nil)
		var rollbackErr = tx.Rollback()

		// Assert
		assert.Error(t, replaceErr)
		assert.NoError(t, rollbackErr)
		var current, loadErr = sut.LoadCurrent(ctx, testMint)
		require.NoError(t, loadErr)
		assert.Equal(t, []string{"A", "B"}, owners(current))
	})

	t.Run("should block a second writer until the first finishes", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			ctx = newCtx()
			sut = NewPostgresRankingStore(newDb(t), tablePrefix)
		)
		replace(t, sut, []RankingRow{row(1, "A", 3, "30")}, nil)

		var first, err = sut.BeginReplace(ctx, testMint)
		require.NoError(t, err)
		_, err = first.Previous(ctx)
		require.NoError(t, err)

		second, err := sut.BeginReplace(ctx, testMint)
		require.NoError(t, err)
		defer second.Rollback()

		// Act
		var waitCtx, cancel = context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		_, blockedErr := second.Previous(waitCtx)

		// Assert
		assert.Error(t, blockedErr, "rows are locked by the first transaction")
		require.NoError(t, first.Rollback())
	})

	t.Run("should allow rollback after commit", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var sut = NewPostgresRankingStore(newDb(t), tablePrefix)
		var tx, err = sut.BeginReplace(newCtx(), testMint)
		require.NoError(t, err)
		require.NoError(t, tx.Replace(newCtx(), []RankingRow{row(1, "A", 1, "100")}, nil))
		require.NoError(t, tx.Commit())

		// Act
		var rollbackErr = tx.Rollback()

		// Assert
		assert.NoError(t, rollbackErr)
	})

	t.Run("should refuse rows of another entity", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var sut = NewPostgresRankingStore(newDb(t), tablePrefix)
		var tx, err = sut.BeginReplace(newCtx(), testMint)
		require.NoError(t, err)
		defer tx.Rollback()

		var foreign = row(1, "A", 1, "100")
		foreign.EntityID = mintX

		// Act
		var replaceErr = tx.Replace(newCtx(), []RankingRow{foreign}, nil)

		// Assert
		assert.Error(t, replaceErr)
	})
}
