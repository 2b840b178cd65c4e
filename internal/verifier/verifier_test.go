package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minerwatch/internal/fusion"
	"minerwatch/internal/models"
)

var errNotFound = errors.New("not found")

type write struct {
	id    string
	score int
}

type fakeStore struct {
	mu        sync.Mutex
	devices   map[string]*models.MonitoredDevice
	order     []string
	writes    []write
	listErr   error
	getErr    map[string]error
	updateErr map[string]error
}

func newFakeStore(devices ...*models.MonitoredDevice) *fakeStore {
	s := &fakeStore{devices: map[string]*models.MonitoredDevice{}, getErr: map[string]error{}, updateErr: map[string]error{}}
	for _, d := range devices {
		s.devices[d.ID] = d
		s.order = append(s.order, d.ID)
	}
	return s
}

func (s *fakeStore) GetActiveDevices(context.Context) ([]*models.MonitoredDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*models.MonitoredDevice
	for _, id := range s.order {
		if d := s.devices[id]; d.Active {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *fakeStore) GetDevice(_ context.Context, id string) (*models.MonitoredDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErr[id]; err != nil {
		return nil, err
	}
	d, ok := s.devices[id]
	if !ok {
		return nil, errNotFound
	}
	c := *d
	return &c, nil
}

func (s *fakeStore) UpdateDeviceConfidence(_ context.Context, id string, score int, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateErr[id]; err != nil {
		return err
	}
	s.writes = append(s.writes, write{id, score})
	d := s.devices[id]
	d.ConfidenceScore = &score
	d.UpdatedAt = ts
	return nil
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

type fixedGeo struct{ res models.GeoResult }

func (g fixedGeo) Lookup(context.Context, string) models.GeoResult { return g.res }

type fixedRF struct{ res models.RFResult }

func (r fixedRF) Analyze(context.Context, string) models.RFResult { return r.res }

// trackingScanner records how many scans run at once, overall and per IP
type trackingScanner struct {
	res     models.NetworkResult
	delay   time.Duration
	mu      sync.Mutex
	current map[string]int
	perIP   int
	active  int
	maxAll  int
	calls   atomic.Int32
}

func (s *trackingScanner) Scan(ctx context.Context, ip string) models.NetworkResult {
	s.calls.Add(1)
	s.mu.Lock()
	if s.current == nil {
		s.current = map[string]int{}
	}
	s.current[ip]++
	s.active++
	s.perIP = max(s.perIP, s.current[ip])
	s.maxAll = max(s.maxAll, s.active)
	s.mu.Unlock()

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.current[ip]--
	s.active--
	s.mu.Unlock()
	return s.res
}

func intPtr(v int) *int { return &v }

func device(id, ip string, score *int) *models.MonitoredDevice {
	return &models.MonitoredDevice{ID: id, IPAddress: ip, ConfidenceScore: score, Active: true}
}

func inside() models.GeoResult {
	in := true
	lat, lon := 33.6, 46.4
	return models.GeoResult{Latitude: &lat, Longitude: &lon, InJurisdiction: &in}
}

func newTestVerifier(store Store, net *trackingScanner, opts Options) *Verifier {
	return New(store,
		fixedGeo{res: inside()},
		net,
		fixedRF{res: models.RFResult{PowerDeviation: 0.4, HeatDeviation: 0.2}},
		fusion.NewFuser(fusion.DefaultWeights, true),
		opts,
		zerolog.Nop())
}

func TestPersisterDeltaGate(t *testing.T) {
	tests := []struct {
		name     string
		previous *int
		score    int
		want     models.Decision
		writes   int
	}{
		{"small move", intPtr(60), 63, models.DecisionSkip, 0},
		{"exactly threshold", intPtr(60), 65, models.DecisionSkip, 0},
		{"large move", intPtr(60), 70, models.DecisionPersist, 1},
		{"large drop", intPtr(60), 54, models.DecisionPersist, 1},
		{"never scored", nil, 48, models.DecisionPersist, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(device("d1", "10.0.0.1", tt.previous))
			p := NewPersister(store, DefaultDeltaThreshold, nil)

			u, err := p.Persist(context.Background(), "d1", tt.previous, tt.score)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.Decision)
			assert.Equal(t, tt.score, u.Score)
			assert.Len(t, store.writes, tt.writes)
		})
	}
}

func TestPersisterWrapsStoreErrors(t *testing.T) {
	cause := errors.New("disk full")
	store := newFakeStore(device("d1", "10.0.0.1", intPtr(60)))
	store.updateErr["d1"] = cause

	_, err := NewPersister(store, 5, nil).Persist(context.Background(), "d1", intPtr(60), 90)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "d1", perr.DeviceID)
	assert.ErrorIs(t, err, cause)
}

func TestVerifyDeviceEndToEnd(t *testing.T) {
	store := newFakeStore(device("d1", "10.0.0.1", intPtr(50)))
	net := &trackingScanner{res: models.NetworkResult{MiningPorts: 2, Bandwidth: 0.5, Suspicious: 0.1}}
	v := newTestVerifier(store, net, Options{DeltaThreshold: 5})

	o, err := v.VerifyDevice(context.Background(), "d1")
	require.NoError(t, err)

	assert.True(t, o.Verified)
	assert.Equal(t, 48, o.Breakdown.Score)
	assert.Equal(t, models.DecisionSkip, o.Update.Decision)
	assert.Equal(t, -2, o.Update.Delta)
	assert.Zero(t, store.writeCount())
	assert.Equal(t, 50, *o.Device.ConfidenceScore)
}

func TestNewDefaultsDeltaThreshold(t *testing.T) {
	net := models.NetworkResult{MiningPorts: 2, Bandwidth: 0.5, Suspicious: 0.1}

	// 48 against a stored 50 stays within the default threshold
	store := newFakeStore(device("d1", "10.0.0.1", intPtr(50)))
	v := newTestVerifier(store, &trackingScanner{res: net}, Options{})

	o, err := v.VerifyDevice(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionSkip, o.Update.Decision)
	assert.Zero(t, store.writeCount())

	// 48 against a stored 42 moves past it
	store = newFakeStore(device("d1", "10.0.0.1", intPtr(42)))
	v = newTestVerifier(store, &trackingScanner{res: net}, Options{DeltaThreshold: -1})

	o, err = v.VerifyDevice(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionPersist, o.Update.Decision)
	assert.Equal(t, 1, store.writeCount())
}

func TestVerifyDevicePersistsAndUpdatesDevice(t *testing.T) {
	store := newFakeStore(device("d1", "10.0.0.1", intPtr(10)))
	net := &trackingScanner{res: models.NetworkResult{MiningPorts: 2, Bandwidth: 0.5, Suspicious: 0.1}}
	v := newTestVerifier(store, net, Options{DeltaThreshold: 5})

	o, err := v.VerifyDevice(context.Background(), "d1")
	require.NoError(t, err)

	// 19.4 + 3.9 + 20 + 1 = 44.3
	assert.Equal(t, 44, o.Breakdown.Score)
	assert.Equal(t, models.DecisionPersist, o.Update.Decision)
	assert.Equal(t, 44, *o.Device.ConfidenceScore)
	assert.Equal(t, models.ThreatMedium, o.Device.ThreatLevel)
	assert.Equal(t, []write{{"d1", 44}}, store.writes)
}

func TestVerifyDeviceNotFound(t *testing.T) {
	v := newTestVerifier(newFakeStore(), &trackingScanner{}, Options{})

	_, err := v.VerifyDevice(context.Background(), "missing")
	assert.ErrorIs(t, err, errNotFound)
}

func TestVerifyDeviceInactiveIsUntouched(t *testing.T) {
	d := device("d1", "10.0.0.1", intPtr(90))
	d.Active = false
	store := newFakeStore(d)
	net := &trackingScanner{}
	v := newTestVerifier(store, net, Options{})

	o, err := v.VerifyDevice(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, o.Verified)
	assert.Zero(t, net.calls.Load())
	assert.Zero(t, store.writeCount())
}

func TestVerifyAllIsolatesFailures(t *testing.T) {
	store := newFakeStore(
		device("d1", "10.0.0.1", nil),
		device("d2", "10.0.0.2", nil),
		device("d3", "10.0.0.3", nil),
	)
	store.getErr["d2"] = errors.New("row locked")
	store.updateErr["d3"] = errors.New("disk full")

	v := newTestVerifier(store, &trackingScanner{}, Options{DeltaThreshold: 5})

	res, err := v.VerifyAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "d1", res.Outcomes[0].Device.ID)
	assert.Equal(t, 1, res.Persisted)
	require.Len(t, res.Failed, 2)

	var perr *PersistenceError
	persistFailures := 0
	for _, f := range res.Failed {
		if errors.As(f.Err, &perr) {
			persistFailures++
			assert.Equal(t, "d3", perr.DeviceID)
		}
	}
	assert.Equal(t, 1, persistFailures)
}

func TestVerifyAllListFailure(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("database is locked")

	_, err := newTestVerifier(store, &trackingScanner{}, Options{}).VerifyAll(context.Background())
	assert.ErrorContains(t, err, "database is locked")
}

func TestVerifyAllBoundsConcurrency(t *testing.T) {
	var devices []*models.MonitoredDevice
	for i := 0; i < 10; i++ {
		devices = append(devices, device(fmt.Sprintf("d%d", i), fmt.Sprintf("10.0.0.%d", i), nil))
	}
	net := &trackingScanner{delay: 20 * time.Millisecond}
	v := newTestVerifier(newFakeStore(devices...), net, Options{MaxInFlight: 2})

	res, err := v.VerifyAll(context.Background())
	require.NoError(t, err)

	assert.Len(t, res.Outcomes, 10)
	assert.LessOrEqual(t, net.maxAll, 2)
	assert.Equal(t, int32(10), net.calls.Load())
}

func TestVerifyDeviceSerializesSameDevice(t *testing.T) {
	store := newFakeStore(device("d1", "10.0.0.1", intPtr(50)))
	net := &trackingScanner{delay: 10 * time.Millisecond}
	v := newTestVerifier(store, net, Options{DeviceTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.VerifyDevice(context.Background(), "d1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, net.perIP)
	assert.Equal(t, int32(8), net.calls.Load())
	assert.Zero(t, v.locks.size())
}

func TestVerifyNotifiesObservers(t *testing.T) {
	store := newFakeStore(device("d1", "10.0.0.1", nil))
	v := newTestVerifier(store, &trackingScanner{}, Options{})

	var got []Outcome
	v.AddObserver(ObserverFunc(func(_ context.Context, o Outcome) {
		got = append(got, o)
	}))

	_, err := v.VerifyDevice(context.Background(), "d1")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].Update.DeviceID)
	assert.Equal(t, models.DecisionPersist, got[0].Update.Decision)
}

func TestKeyLockRespectsContext(t *testing.T) {
	k := newKeyLock()

	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	unlock()
	assert.Zero(t, k.size())
}
