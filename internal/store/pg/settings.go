package pg

import "context"

// LoadSecuritySettings returns the persisted threshold overrides keyed by setting name.
func (s *Store) LoadSecuritySettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `select key, value from security_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// PutSecuritySetting upserts one threshold override.
func (s *Store) PutSecuritySetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into security_settings (key, value, updated_at)
		values ($1, $2, now())
		on conflict (key) do update set value = excluded.value, updated_at = now()
	`, key, value)
	return err
}
