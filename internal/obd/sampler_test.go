package obd

import (
	"math"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	connected   bool
	connectErr  error
	unsupported map[string]bool
	values      map[string]*Quantity // standard results
	raw         map[string][]byte    // extended responses, run through the decoder
	errs        map[string]error
	supportsOf  []string
	queried     []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		unsupported: map[string]bool{},
		values:      map[string]*Quantity{},
		raw:         map[string][]byte{},
		errs:        map[string]error{},
	}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Connect() error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeAdapter) Close() error      { f.connected = false; return nil }
func (f *fakeAdapter) IsConnected() bool { return f.connected }

func (f *fakeAdapter) Supports(cmd StandardCommand) bool {
	f.supportsOf = append(f.supportsOf, cmd.Name())
	return !f.unsupported[cmd.Name()]
}

func (f *fakeAdapter) Query(cmd Command) (*Quantity, error) {
	f.queried = append(f.queried, cmd.Name())
	if err := f.errs[cmd.Name()]; err != nil {
		return nil, err
	}
	switch c := cmd.(type) {
	case StandardCommand:
		return f.values[c.Name()], nil
	case ExtendedCommand:
		data, ok := f.raw[c.Name()]
		if !ok {
			return nil, nil
		}
		return &Quantity{Magnitude: c.DecodeFn(data)}, nil
	}
	return nil, nil
}

// healthyAdapter answers every default command with the readings from a
// running engine at idle.
func healthyAdapter() *fakeAdapter {
	f := newFakeAdapter()
	f.values["RPM"] = &Quantity{Magnitude: 850, Unit: "rpm"}
	f.values["SPEED"] = &Quantity{Magnitude: 0, Unit: "kph"}
	f.values["COOLANT_TEMP"] = &Quantity{Magnitude: 90.5, Unit: "degC"}
	f.values["THROTTLE_POS"] = &Quantity{Magnitude: 12.3, Unit: "percent"}
	f.values["FUEL_LEVEL"] = &Quantity{Magnitude: 54, Unit: "percent"}
	f.raw["GEAR"] = []byte{0x03}
	f.raw["TURBO"] = []byte{0x00, 0x65}
	return f
}

func connectedSampler(t *testing.T, f *fakeAdapter) *Sampler {
	h := NewHandle(f)
	require.True(t, h.Connect())
	return NewSampler(DefaultRegistry(), h, nil)
}

func keys(r Record) []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedNames(reg *Registry) []string {
	n := reg.Names()
	sort.Strings(n)
	return n
}

var idleRecord = Record{
	"RPM":          850,
	"SPEED":        0,
	"COOLANT_TEMP": 90.5,
	"THROTTLE_POS": 12.3,
	"FUEL_LEVEL":   54,
	"GEAR":         3,
	"TURBO":        101,
}

func TestSampleAllCommandsSucceed(t *testing.T) {
	s := connectedSampler(t, healthyAdapter())
	assert.Equal(t, idleRecord, s.Sample())
}

func TestSampleWithoutAdapter(t *testing.T) {
	for _, tc := range []struct {
		name   string
		handle func() *Handle
	}{
		{"nil adapter never attempted", func() *Handle { return NewHandle(nil) }},
		{"adapter never attempted", func() *Handle { return NewHandle(healthyAdapter()) }},
		{"connect failed", func() *Handle {
			f := healthyAdapter()
			f.connectErr = errors.New("no such device")
			h := NewHandle(f)
			h.Connect()
			return h
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSampler(DefaultRegistry(), tc.handle(), nil)
			for i := 0; i < 3; i++ {
				rec := s.Sample()
				assert.Equal(t, sortedNames(DefaultRegistry()), keys(rec))
				for name, v := range rec {
					assert.Zero(t, v, name)
				}
			}
		})
	}
}

func TestSampleDropsToDemoWhenAdapterDisconnects(t *testing.T) {
	f := healthyAdapter()
	s := connectedSampler(t, f)
	assert.Equal(t, idleRecord, s.Sample())

	f.connected = false
	f.queried = nil
	rec := s.Sample()
	assert.Equal(t, DefaultRegistry().ZeroRecord(), rec)
	assert.Empty(t, f.queried)
	assert.Equal(t, Disconnected, s.Handle().State())
}

func TestSampleIsolatesEachFailingCommand(t *testing.T) {
	for _, name := range DefaultRegistry().Names() {
		t.Run(name, func(t *testing.T) {
			f := healthyAdapter()
			f.errs[name] = &QueryError{Command: name, Err: ErrTimeout}
			rec := connectedSampler(t, f).Sample()

			want := Record{}
			for k, v := range idleRecord {
				want[k] = v
			}
			want[name] = 0
			assert.Equal(t, want, rec)
		})
	}
}

func TestSampleCoolantTimeoutEveryTick(t *testing.T) {
	f := healthyAdapter()
	f.errs["COOLANT_TEMP"] = errors.Wrap(ErrTimeout, "0105 after 1s")
	s := connectedSampler(t, f)
	for i := 0; i < 3; i++ {
		rec := s.Sample()
		assert.Zero(t, rec["COOLANT_TEMP"])
		assert.Equal(t, 850.0, rec["RPM"])
		assert.Equal(t, 12.3, rec["THROTTLE_POS"])
		assert.Equal(t, 54.0, rec["FUEL_LEVEL"])
		assert.Equal(t, 3.0, rec["GEAR"])
		assert.Equal(t, 101.0, rec["TURBO"])
	}
}

func TestSampleUnsupportedStandardIsZero(t *testing.T) {
	f := healthyAdapter()
	f.unsupported["FUEL_LEVEL"] = true
	rec := connectedSampler(t, f).Sample()

	assert.Zero(t, rec["FUEL_LEVEL"])
	assert.NotContains(t, f.queried, "FUEL_LEVEL")
	assert.Equal(t, 850.0, rec["RPM"])
	assert.Equal(t, 90.5, rec["COOLANT_TEMP"])
	assert.Equal(t, 101.0, rec["TURBO"])
}

func TestSampleExtendedSkipsCapabilityCheck(t *testing.T) {
	f := healthyAdapter()
	// an adapter that claims to support nothing
	for _, c := range DefaultStandard() {
		f.unsupported[c.Name()] = true
	}
	rec := connectedSampler(t, f).Sample()

	assert.Equal(t, []string{"GEAR", "TURBO"}, f.queried)
	assert.NotContains(t, f.supportsOf, "GEAR")
	assert.NotContains(t, f.supportsOf, "TURBO")
	assert.Equal(t, 3.0, rec["GEAR"])
	assert.Equal(t, 101.0, rec["TURBO"])
}

func TestSampleNullValueIsZero(t *testing.T) {
	f := healthyAdapter()
	f.values["RPM"] = nil
	delete(f.raw, "GEAR")
	rec := connectedSampler(t, f).Sample()

	require.Contains(t, rec, "RPM")
	require.Contains(t, rec, "GEAR")
	assert.Zero(t, rec["RPM"])
	assert.Zero(t, rec["GEAR"])
	assert.Equal(t, 101.0, rec["TURBO"])
}

func TestSamplePanickingDecoderIsIsolated(t *testing.T) {
	f := healthyAdapter()
	f.raw["GEAR"] = []byte{} // decoder indexes d[0]
	rec := connectedSampler(t, f).Sample()

	assert.Zero(t, rec["GEAR"])
	assert.Equal(t, 101.0, rec["TURBO"])
	assert.Len(t, rec, 7)
}

type recordingObserver struct {
	states      []State
	failed      []string
	unsupported []string
}

func (o *recordingObserver) Sampled(_ Record, st State)   { o.states = append(o.states, st) }
func (o *recordingObserver) QueryFailed(c string, _ error) { o.failed = append(o.failed, c) }
func (o *recordingObserver) Unsupported(c string)          { o.unsupported = append(o.unsupported, c) }

func TestSamplerReportsToObserver(t *testing.T) {
	f := healthyAdapter()
	f.errs["TURBO"] = ErrNoData
	f.unsupported["SPEED"] = true
	f.values["RPM"] = &Quantity{Magnitude: math.Inf(1)}

	h := NewHandle(f)
	require.True(t, h.Connect())
	obs := &recordingObserver{}
	rec := NewSampler(DefaultRegistry(), h, obs).Sample()

	assert.Equal(t, []State{Connected}, obs.states)
	assert.ElementsMatch(t, []string{"TURBO", "RPM"}, obs.failed)
	assert.Equal(t, []string{"SPEED"}, obs.unsupported)
	assert.Zero(t, rec["RPM"])
}

