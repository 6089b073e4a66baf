package storage

import "database/sql"

// DeviceProfile describes a bootable execution target configuration.
type DeviceProfile struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	APILevel   int    `json:"apiLevel"`
	ScreenSize string `json:"screenSize,omitempty"`
	Image      string `json:"image,omitempty"`
}

// SaveDeviceProfile stores or replaces a profile by name.
func (s *Store) SaveDeviceProfile(p *DeviceProfile) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`
        INSERT INTO device_profiles (name, kind, api_level, screen_size, image, updated_at)
        VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(name) DO UPDATE SET
            kind = excluded.kind,
            api_level = excluded.api_level,
            screen_size = excluded.screen_size,
            image = excluded.image,
            updated_at = CURRENT_TIMESTAMP
    `, p.Name, p.Kind, p.APILevel, p.ScreenSize, p.Image)
	return err
}

// GetDeviceProfile returns a profile by name, or nil if absent.
func (s *Store) GetDeviceProfile(name string) (*DeviceProfile, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`
        SELECT name, kind, api_level, COALESCE(screen_size, ''), COALESCE(image, '')
        FROM device_profiles WHERE name = ?
    `, name)

	var p DeviceProfile
	if err := row.Scan(&p.Name, &p.Kind, &p.APILevel, &p.ScreenSize, &p.Image); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// ListDeviceProfiles returns all profiles ordered by name.
func (s *Store) ListDeviceProfiles() ([]*DeviceProfile, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`
        SELECT name, kind, api_level, COALESCE(screen_size, ''), COALESCE(image, '')
        FROM device_profiles ORDER BY name
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*DeviceProfile
	for rows.Next() {
		var p DeviceProfile
		if err := rows.Scan(&p.Name, &p.Kind, &p.APILevel, &p.ScreenSize, &p.Image); err != nil {
			return nil, err
		}
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}
