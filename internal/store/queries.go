package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"codex-pool-proxy/internal/model"
)

const accountColumns = `id, name, provider, tier, auth_type, refresh_token, access_token,
	expires_at, api_key, base_url, paused, rate_limit_status, rate_limit_reset_at,
	rate_limit_remaining, rate_limit_override_limit, rate_limit_override_window,
	session_start, session_request_count, request_count, total_requests`

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var tier int
	var authType string
	var expiresAt, rlResetAt, sessionStart int64
	var rlRemaining, ovLimit, ovWindow sql.NullInt64

	err := row.Scan(
		&a.ID, &a.Name, &a.Provider, &tier, &authType, &a.RefreshToken, &a.AccessToken,
		&expiresAt, &a.APIKey, &a.BaseURL, &a.Paused, &a.RateLimitStatus, &rlResetAt,
		&rlRemaining, &ovLimit, &ovWindow,
		&sessionStart, &a.SessionRequestCount, &a.RequestCount, &a.TotalRequests,
	)
	if err != nil {
		return nil, err
	}
	a.Tier = model.Tier(tier)
	a.AuthType = model.AuthType(authType)
	a.ExpiresAt = timeOrZero(expiresAt)
	a.RateLimitResetAt = timeOrZero(rlResetAt)
	a.SessionStart = timeOrZero(sessionStart)
	if rlRemaining.Valid {
		n := int(rlRemaining.Int64)
		a.RateLimitRemaining = &n
	}
	if ovLimit.Valid && ovWindow.Valid {
		a.RateLimitOverride = &model.RateLimitOverride{
			Limit:         int(ovLimit.Int64),
			WindowMinutes: int(ovWindow.Int64),
		}
	}
	return &a, nil
}

// ListAccounts returns every account, snapshot-at-call.
func (s *Store) ListAccounts() ([]*model.Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount reads one account by id.
func (s *Store) GetAccount(id string) (*model.Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetAccountByName reads one account by its unique name, used by the
// DELETE /api/accounts/{name} admin endpoint.
func (s *Store) GetAccountByName(name string) (*model.Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE name = ?`, name)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// InsertAccount inserts a new account row outside the writer queue: account
// provisioning is an out-of-scope collaborator (spec.md 1), so it is not
// subject to the write-coalescing contract that governs the hot path.
func (s *Store) InsertAccount(a *model.Account) error {
	_, err := s.db.Exec(`INSERT INTO accounts (`+accountColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Provider, int(a.Tier), string(a.AuthType), a.RefreshToken, a.AccessToken,
		unixOrZero(a.ExpiresAt), a.APIKey, a.BaseURL, a.Paused, a.RateLimitStatus, unixOrZero(a.RateLimitResetAt),
		nullableInt(a.RateLimitRemaining), overrideLimit(a.RateLimitOverride), overrideWindow(a.RateLimitOverride),
		unixOrZero(a.SessionStart), a.SessionRequestCount, a.RequestCount, a.TotalRequests,
	)
	return err
}

// DeleteAccountTx removes an account row. Called within the admin surface's
// own transaction, not the async writer, since deletion is an
// admin-initiated mutation rather than hot-path write traffic.
func (s *Store) DeleteAccountTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	return err
}

// UpdateTokensTx rotates an account's oauth credentials. Always a critical
// (non-coalescing, indefinitely-retried) op per spec.md 4.3.
func UpdateTokensTx(tx *sql.Tx, id, accessToken string, expiresAt time.Time, refreshToken string) error {
	if refreshToken != "" {
		_, err := tx.Exec(`UPDATE accounts SET access_token=?, expires_at=?, refresh_token=? WHERE id=?`,
			accessToken, expiresAt.Unix(), refreshToken, id)
		return err
	}
	_, err := tx.Exec(`UPDATE accounts SET access_token=?, expires_at=? WHERE id=?`,
		accessToken, expiresAt.Unix(), id)
	return err
}

// MarkRateLimitedTx sets the account's rate_limit_reset_at.
func MarkRateLimitedTx(tx *sql.Tx, id string, resetAt time.Time) error {
	_, err := tx.Exec(`UPDATE accounts SET rate_limit_reset_at=? WHERE id=?`, resetAt.Unix(), id)
	return err
}

// ClearRateLimitTx lazily clears an expired rate-limit window.
func ClearRateLimitTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`UPDATE accounts SET rate_limit_reset_at=0 WHERE id=?`, id)
	return err
}

// UpdateRateLimitMetaTx records the last-seen status tag/reset/remaining
// without necessarily marking the account unavailable.
func UpdateRateLimitMetaTx(tx *sql.Tx, id, statusTag string, resetAt time.Time, remaining *int) error {
	var rem sql.NullInt64
	if remaining != nil {
		rem = sql.NullInt64{Int64: int64(*remaining), Valid: true}
	}
	_, err := tx.Exec(`UPDATE accounts SET rate_limit_status=?, rate_limit_reset_at=?, rate_limit_remaining=? WHERE id=?`,
		statusTag, unixOrZero(resetAt), rem, id)
	return err
}

// IncrementUsageTx is the coalescable usage-counter bump: request_count,
// total_requests, and session_request_count all advance by delta.
func IncrementUsageTx(tx *sql.Tx, id string, delta int) error {
	_, err := tx.Exec(`UPDATE accounts SET request_count = request_count + ?, total_requests = total_requests + ?,
		session_request_count = session_request_count + ? WHERE id=?`, delta, delta, delta, id)
	return err
}

// ResetRequestCountTx zeroes request_count, per the configurable reset
// policy (DESIGN.md open-question decision).
func ResetRequestCountTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`UPDATE accounts SET request_count = 0 WHERE id=?`, id)
	return err
}

// SetTierTx updates the account's selection-weight tier.
func SetTierTx(tx *sql.Tx, id string, tier model.Tier) error {
	_, err := tx.Exec(`UPDATE accounts SET tier=? WHERE id=?`, int(tier), id)
	return err
}

// SetPausedTx toggles the paused flag.
func SetPausedTx(tx *sql.Tx, id string, paused bool) error {
	_, err := tx.Exec(`UPDATE accounts SET paused=? WHERE id=?`, paused, id)
	return err
}

// RenameTx changes an account's unique human label.
func RenameTx(tx *sql.Tx, id, name string) error {
	_, err := tx.Exec(`UPDATE accounts SET name=? WHERE id=?`, name, id)
	return err
}

// UpdateRateLimitOverrideTx sets or clears an admin-pinned rate-limit
// override.
func UpdateRateLimitOverrideTx(tx *sql.Tx, id string, override *model.RateLimitOverride) error {
	_, err := tx.Exec(`UPDATE accounts SET rate_limit_override_limit=?, rate_limit_override_window=? WHERE id=?`,
		overrideLimit(override), overrideWindow(override), id)
	return err
}

// SetSessionLeaderTx records that id became the session leader at start,
// without disturbing session_start on subsequent successful uses (spec.md
// 4.5: "does not reset session_start").
func SetSessionLeaderTx(tx *sql.Tx, id string, start time.Time) error {
	_, err := tx.Exec(`UPDATE accounts SET session_start=?, session_request_count=0 WHERE id=?`, start.Unix(), id)
	return err
}

// InsertUsageRecordTx persists one completed request's accounting row.
func InsertUsageRecordTx(tx *sql.Tx, rec *model.UsageRecord) error {
	attemptsJSON, err := json.Marshal(rec.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO requests (request_id, account_id, path, method, status, timestamp,
		duration_ms, input_tokens, output_tokens, cost_estimate, agent, truncated, attempts_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.RequestID, rec.AccountID, rec.Path, rec.Method, rec.Status, rec.Timestamp.Unix(),
		rec.DurationMS, nullableInt(rec.InputTokens), nullableInt(rec.OutputTokens),
		nullableFloat(rec.CostEstimate), rec.Agent, rec.Truncated, string(attemptsJSON))
	return err
}

// ListUsageRecords returns UsageRecords newest-first, paginated.
func (s *Store) ListUsageRecords(limit, offset int) ([]*model.UsageRecord, error) {
	rows, err := s.db.Query(`SELECT request_id, account_id, path, method, status, timestamp,
		duration_ms, input_tokens, output_tokens, cost_estimate, agent, truncated, attempts_json
		FROM requests ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.UsageRecord
	for rows.Next() {
		var r model.UsageRecord
		var ts int64
		var inputTokens, outputTokens sql.NullInt64
		var cost sql.NullFloat64
		var attemptsJSON string
		if err := rows.Scan(&r.RequestID, &r.AccountID, &r.Path, &r.Method, &r.Status, &ts,
			&r.DurationMS, &inputTokens, &outputTokens, &cost, &r.Agent, &r.Truncated, &attemptsJSON); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(ts, 0)
		if inputTokens.Valid {
			n := int(inputTokens.Int64)
			r.InputTokens = &n
		}
		if outputTokens.Valid {
			n := int(outputTokens.Int64)
			r.OutputTokens = &n
		}
		if cost.Valid {
			r.CostEstimate = &cost.Float64
		}
		_ = json.Unmarshal([]byte(attemptsJSON), &r.Attempts)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func nullableInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullableFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func overrideLimit(o *model.RateLimitOverride) sql.NullInt64 {
	if o == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(o.Limit), Valid: true}
}

func overrideWindow(o *model.RateLimitOverride) sql.NullInt64 {
	if o == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(o.WindowMinutes), Valid: true}
}
