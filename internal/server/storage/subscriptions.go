package storage

import (
	"context"
	"time"
)

func (sub PushSubscription) stamped() PushSubscription {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	return sub
}

// SavePushSubscription implements Store.
func (m *Memory) SavePushSubscription(_ context.Context, sub PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("save push subscription"); err != nil {
		return err
	}
	sub = sub.stamped()
	for i := range m.subs {
		if m.subs[i].Endpoint == sub.Endpoint {
			sub.CreatedAt = m.subs[i].CreatedAt
			m.subs[i] = sub
			return nil
		}
	}
	m.subs = append(m.subs, sub)
	return nil
}

// ListPushSubscriptions implements Store.
func (m *Memory) ListPushSubscriptions(_ context.Context) ([]PushSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list push subscriptions"); err != nil {
		return nil, err
	}
	return append([]PushSubscription(nil), m.subs...), nil
}

// DeletePushSubscription implements Store.
func (m *Memory) DeletePushSubscription(_ context.Context, endpoint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete push subscription"); err != nil {
		return false, err
	}
	for i := range m.subs {
		if m.subs[i].Endpoint == endpoint {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// SavePushSubscription implements Store. created_at keeps its first value.
func (s *SQLite) SavePushSubscription(ctx context.Context, sub PushSubscription) error {
	sub = sub.stamped()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (endpoint, p256dh, auth, user_agent, hospital_code, company_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (endpoint) DO UPDATE SET
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			user_agent = excluded.user_agent,
			hospital_code = excluded.hospital_code,
			company_name = excluded.company_name`,
		sub.Endpoint, sub.P256dh, sub.Auth, sub.UserAgent, sub.HospitalCode, sub.CompanyName, formatTime(sub.CreatedAt))
	return unavailable("save push subscription", err)
}

// ListPushSubscriptions implements Store.
func (s *SQLite) ListPushSubscriptions(ctx context.Context) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint, p256dh, auth, user_agent, hospital_code, company_name, created_at
		FROM push_subscriptions ORDER BY created_at, endpoint`)
	if err != nil {
		return nil, unavailable("list push subscriptions", err)
	}
	defer rows.Close()

	var out []PushSubscription
	for rows.Next() {
		var (
			sub PushSubscription
			at  string
		)
		if err := rows.Scan(&sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.UserAgent, &sub.HospitalCode, &sub.CompanyName, &at); err != nil {
			return nil, unavailable("list push subscriptions", err)
		}
		sub.CreatedAt = parseTime(at)
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list push subscriptions", err)
	}
	return out, nil
}

// DeletePushSubscription implements Store.
func (s *SQLite) DeletePushSubscription(ctx context.Context, endpoint string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return false, unavailable("delete push subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("delete push subscription", err)
	}
	return n > 0, nil
}

// SavePushSubscription implements Store. created_at keeps its first value.
func (s *Postgres) SavePushSubscription(ctx context.Context, sub PushSubscription) error {
	sub = sub.stamped()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO push_subscriptions (endpoint, p256dh, auth, user_agent, hospital_code, company_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (endpoint) DO UPDATE SET
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			user_agent = EXCLUDED.user_agent,
			hospital_code = EXCLUDED.hospital_code,
			company_name = EXCLUDED.company_name`,
		sub.Endpoint, sub.P256dh, sub.Auth, sub.UserAgent, sub.HospitalCode, sub.CompanyName, sub.CreatedAt)
	return unavailable("save push subscription", err)
}

// ListPushSubscriptions implements Store.
func (s *Postgres) ListPushSubscriptions(ctx context.Context) ([]PushSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT endpoint, p256dh, auth, user_agent, hospital_code, company_name, created_at
		FROM push_subscriptions ORDER BY created_at, endpoint`)
	if err != nil {
		return nil, unavailable("list push subscriptions", err)
	}
	defer rows.Close()

	var out []PushSubscription
	for rows.Next() {
		var sub PushSubscription
		if err := rows.Scan(&sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.UserAgent, &sub.HospitalCode, &sub.CompanyName, &sub.CreatedAt); err != nil {
			return nil, unavailable("list push subscriptions", err)
		}
		sub.CreatedAt = sub.CreatedAt.UTC()
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list push subscriptions", err)
	}
	return out, nil
}

// DeletePushSubscription implements Store.
func (s *Postgres) DeletePushSubscription(ctx context.Context, endpoint string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return false, unavailable("delete push subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}
