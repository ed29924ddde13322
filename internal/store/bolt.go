package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices   = []byte("devices")
	bucketSecrets   = []byte("secrets")
	bucketSchedules = []byte("schedules")
	bucketAlerts    = []byte("alerts")
	bucketActivity  = []byte("activity")

	allBuckets = [][]byte{bucketDevices, bucketSecrets, bucketSchedules, bucketAlerts, bucketActivity}
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db       *bolt.DB
	readOnly bool
	now      func() time.Time
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	return openBolt(path, 5*time.Second, false)
}

func openBolt(path string, timeout time.Duration, readOnly bool) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	if !readOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, b := range allBuckets {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create buckets: %w", err)
		}
	}
	return &BoltStore{db: db, readOnly: readOnly, now: time.Now}, nil
}

// Open opens the registry at path. If the database cannot be opened for
// writing within timeout, it falls back to a read-only handle, and if that
// fails too, to a store whose every operation returns ErrUnavailable.
// The returned bool is true when the store runs in limited mode.
func Open(path string, timeout time.Duration, logger *slog.Logger) (Store, bool) {
	s, err := openBolt(path, timeout, false)
	if err == nil {
		return s, false
	}
	logger.Error("registry unavailable for writing, entering limited mode", "path", path, "err", err)
	s, roErr := openBolt(path, timeout, true)
	if roErr == nil {
		return s, true
	}
	logger.Error("registry unavailable", "path", path, "err", roErr)
	return Unavailable{}, true
}

func (s *BoltStore) ReadOnly() bool { return s.readOnly }

// update wraps db.Update and maps the read-only error.
func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	if s.readOnly {
		return ErrReadOnly
	}
	err := s.db.Update(fn)
	if errors.Is(err, bolt.ErrDatabaseReadOnly) {
		return ErrReadOnly
	}
	return err
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	if err := dev.Validate(); err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		now := s.now()
		if dev.CreatedAt.IsZero() {
			dev.CreatedAt = now
		}
		dev.UpdatedAt = now
		if dev.Status == "" {
			dev.Status = StatusOffline
		}
		if dev.Secret != "" {
			if err := putSecret(tx, dev.MAC, dev.Secret); err != nil {
				return err
			}
		}
		return putJSON(b, dev.MAC, dev)
	})
}

// putSecret stores a device secret once. Re-saving the same value is allowed.
func putSecret(tx *bolt.Tx, mac, secret string) error {
	b, err := bucket(tx, bucketSecrets)
	if err != nil {
		return err
	}
	if existing := b.Get([]byte(mac)); existing != nil {
		if string(existing) == secret {
			return nil
		}
		return fmt.Errorf("device %s: %w", mac, ErrSecretExists)
	}
	return b.Put([]byte(mac), []byte(secret))
}

func getDevice(tx *bolt.Tx, mac string) (*Device, error) {
	b, err := bucket(tx, bucketDevices)
	if err != nil {
		return nil, err
	}
	data := b.Get([]byte(mac))
	if data == nil {
		return nil, fmt.Errorf("device %s: %w", mac, ErrNotFound)
	}
	var dev Device
	if err := json.Unmarshal(data, &dev); err != nil {
		return nil, err
	}
	if sb := tx.Bucket(bucketSecrets); sb != nil {
		if sec := sb.Get([]byte(mac)); sec != nil {
			dev.Secret = string(sec)
		}
	}
	return &dev, nil
}

func (s *BoltStore) GetDevice(mac string) (*Device, error) {
	var dev *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		dev, err = getDevice(tx, mac)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (s *BoltStore) DeleteDevice(mac string) error {
	return s.update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		if sb := tx.Bucket(bucketSecrets); sb != nil {
			if err := sb.Delete([]byte(mac)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(mac))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(mac string, fn func(dev *Device) error) (*Device, error) {
	var out *Device
	err := s.update(func(tx *bolt.Tx) error {
		dev, err := getDevice(tx, mac)
		if err != nil {
			return err
		}
		if err := fn(dev); err != nil {
			return err
		}
		if dev.MAC != mac {
			return fmt.Errorf("%w: update changed mac %s to %s", ErrInvalidDevice, mac, dev.MAC)
		}
		if err := dev.Validate(); err != nil {
			return err
		}
		dev.UpdatedAt = s.now()
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		out = dev
		return putJSON(b, mac, dev)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) SaveSchedule(sc *Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	return s.update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSchedules)
		if err != nil {
			return err
		}
		now := s.now()
		if sc.CreatedAt.IsZero() {
			sc.CreatedAt = now
		}
		sc.UpdatedAt = now
		return putJSON(b, sc.ID, sc)
	})
}

func getSchedule(tx *bolt.Tx, id string) (*Schedule, error) {
	b, err := bucket(tx, bucketSchedules)
	if err != nil {
		return nil, err
	}
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	var sc Schedule
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *BoltStore) GetSchedule(id string) (*Schedule, error) {
	var sc *Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sc, err = getSchedule(tx, id)
		return err
	})
	return sc, err
}

func (s *BoltStore) DeleteSchedule(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSchedules)
		if err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListSchedules() ([]*Schedule, error) {
	var out []*Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var sc Schedule
			if err := json.Unmarshal(v, &sc); err != nil {
				return err
			}
			out = append(out, &sc)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateSchedule(id string, fn func(sc *Schedule) error) (*Schedule, error) {
	var out *Schedule
	err := s.update(func(tx *bolt.Tx) error {
		sc, err := getSchedule(tx, id)
		if err != nil {
			return err
		}
		if err := fn(sc); err != nil {
			return err
		}
		sc.ID = id
		sc.UpdatedAt = s.now()
		b, err := bucket(tx, bucketSchedules)
		if err != nil {
			return err
		}
		out = sc
		return putJSON(b, id, sc)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// newOrderedID returns a time-ordered id so bucket iteration follows
// insertion order.
func newOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *BoltStore) AppendAlert(a *SecurityAlert) error {
	if a.ID == "" {
		a.ID = newOrderedID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	return s.update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketAlerts)
		if err != nil {
			return err
		}
		if b.Get([]byte(a.ID)) != nil {
			return fmt.Errorf("alert %s already exists", a.ID)
		}
		return putJSON(b, a.ID, a)
	})
}

// ListAlerts returns alerts newest first. limit <= 0 means no limit.
func (s *BoltStore) ListAlerts(limit int, unackedOnly bool) ([]*SecurityAlert, error) {
	var out []*SecurityAlert
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var a SecurityAlert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if unackedOnly && a.Acknowledged {
				continue
			}
			out = append(out, &a)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) AcknowledgeAlert(id string) (*SecurityAlert, error) {
	var out SecurityAlert
	err := s.update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketAlerts)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		if out.Acknowledged {
			return nil
		}
		out.Acknowledged = true
		out.AcknowledgedAt = s.now()
		return putJSON(b, id, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) AppendActivity(a *Activity) error {
	if a.ID == "" {
		a.ID = newOrderedID()
	}
	if a.At.IsZero() {
		a.At = s.now()
	}
	return s.update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketActivity)
		if err != nil {
			return err
		}
		return putJSON(b, a.ID, a)
	})
}

// ListActivity returns entries newest first, optionally filtered by device.
func (s *BoltStore) ListActivity(mac string, limit int) ([]*Activity, error) {
	var out []*Activity
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActivity)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var a Activity
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if mac != "" && a.Device != mac {
				continue
			}
			out = append(out, &a)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
