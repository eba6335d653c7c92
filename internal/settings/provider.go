package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"go.uber.org/zap"
)

// Setting keys in the store.
const (
	KeyTargetIP        = "target_ip"
	KeyTargetPort      = "target_port"
	KeyDeviceIDs       = "device_ids"
	KeyRefreshInterval = "refresh_interval"
	KeyRegisterMap     = "register_map"
)

// ErrInvalid marks a rejected settings update.
var ErrInvalid = errors.New("invalid settings")

// Store is the key/value part of the measurement store.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	SeedSetting(ctx context.Context, key, value string) error
}

// RegisterMapValidator checks a register map before it is saved.
type RegisterMapValidator interface {
	ValidateRegisterMap(rm types.RegisterMap) error
}

// Defaults are the bootstrap values written when a key is absent.
type Defaults struct {
	TargetIP       string
	TargetPort     int
	DeviceIDs      string
	RefreshSeconds int
	RegisterMap    types.RegisterMap
}

// DefaultValues returns the factory settings.
func DefaultValues() Defaults {
	return Defaults{
		TargetIP:       "10.35.14.10",
		TargetPort:     502,
		DeviceIDs:      "1",
		RefreshSeconds: 30,
		RegisterMap:    types.DefaultRegisterMap(),
	}
}

func (d Defaults) collectorSettings() types.CollectorSettings {
	return types.CollectorSettings{
		TargetIP:    d.TargetIP,
		TargetPort:  d.TargetPort,
		DeviceIDs:   ParseDeviceIDs(d.DeviceIDs),
		Interval:    time.Duration(d.RefreshSeconds) * time.Second,
		RegisterMap: d.RegisterMap,
	}
}

// Seed writes every default whose key is absent. Existing values are
// never overwritten.
func Seed(ctx context.Context, store Store, d Defaults) error {
	rm, err := json.Marshal(d.RegisterMap)
	if err != nil {
		return fmt.Errorf("encode register map: %w", err)
	}

	values := []struct{ key, value string }{
		{KeyTargetIP, d.TargetIP},
		{KeyTargetPort, strconv.Itoa(d.TargetPort)},
		{KeyDeviceIDs, d.DeviceIDs},
		{KeyRefreshInterval, strconv.Itoa(d.RefreshSeconds)},
		{KeyRegisterMap, string(rm)},
	}
	for _, v := range values {
		if err := store.SeedSetting(ctx, v.key, v.value); err != nil {
			return fmt.Errorf("seed %s: %w", v.key, err)
		}
	}
	return nil
}

// ValidateEndpoint checks a gateway address: an IPv4 dotted quad and a
// TCP port in 1..65535.
func ValidateEndpoint(ip string, port int) error {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return fmt.Errorf("%w: target_ip %q is not an IPv4 address", ErrInvalid, ip)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: target_port %d out of range", ErrInvalid, port)
	}
	return nil
}

// View is the operator facing form of the stored settings.
type View struct {
	TargetIP        string            `json:"target_ip"`
	TargetPort      int               `json:"target_port"`
	DeviceIDs       string            `json:"device_ids"`
	ParsedDeviceIDs []int             `json:"parsed_device_ids"`
	RefreshSeconds  int               `json:"refresh_interval"`
	RegisterMap     types.RegisterMap `json:"register_map"`
}

// Update is a partial settings change. Nil fields are left untouched.
type Update struct {
	TargetIP       *string            `json:"target_ip,omitempty"`
	TargetPort     *int               `json:"target_port,omitempty"`
	DeviceIDs      *string            `json:"device_ids,omitempty"`
	RefreshSeconds *int               `json:"refresh_interval,omitempty"`
	RegisterMap    *types.RegisterMap `json:"register_map,omitempty"`
}

// Provider reads collector settings from the store once per cycle. Values
// that fail to load or parse fall back to the last good value.
type Provider struct {
	store     Store
	validator RegisterMapValidator
	logger    *zap.Logger

	mu      sync.Mutex
	last    types.CollectorSettings
	lastIDs string
}

func NewProvider(store Store, defaults Defaults, validator RegisterMapValidator, logger *zap.Logger) *Provider {
	return &Provider{
		store:     store,
		validator: validator,
		logger:    logger,
		last:      defaults.collectorSettings(),
		lastIDs:   defaults.DeviceIDs,
	}
}

// Load returns the current settings. It never fails.
func (p *Provider) Load(ctx context.Context) types.CollectorSettings {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.last
	next.DeviceIDs = append([]int(nil), p.last.DeviceIDs...)

	if v, ok := p.get(ctx, KeyTargetIP); ok {
		if net.ParseIP(v).To4() != nil {
			next.TargetIP = v
		} else {
			p.logger.Warn("Ignoring malformed setting", zap.String("key", KeyTargetIP), zap.String("value", v))
		}
	}

	if v, ok := p.get(ctx, KeyTargetPort); ok {
		port, err := strconv.Atoi(v)
		if err == nil && port >= 1 && port <= 65535 {
			next.TargetPort = port
		} else {
			p.logger.Warn("Ignoring malformed setting", zap.String("key", KeyTargetPort), zap.String("value", v))
		}
	}

	if v, ok := p.get(ctx, KeyDeviceIDs); ok {
		next.DeviceIDs = ParseDeviceIDs(v)
		p.lastIDs = v
	}

	if v, ok := p.get(ctx, KeyRefreshInterval); ok {
		secs, err := strconv.Atoi(v)
		if err == nil {
			next.Interval = time.Duration(secs) * time.Second
		} else {
			p.logger.Warn("Ignoring malformed setting", zap.String("key", KeyRefreshInterval), zap.String("value", v))
		}
	}

	if v, ok := p.get(ctx, KeyRegisterMap); ok {
		var rm types.RegisterMap
		if err := json.Unmarshal([]byte(v), &rm); err == nil {
			next.RegisterMap = rm
		} else {
			p.logger.Warn("Ignoring malformed setting", zap.String("key", KeyRegisterMap), zap.Error(err))
		}
	}

	p.last = next
	return next
}

func (p *Provider) get(ctx context.Context, key string) (string, bool) {
	v, ok, err := p.store.GetSetting(ctx, key)
	if err != nil {
		p.logger.Warn("Setting unavailable, keeping last value", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return v, ok
}

// View loads the settings in their operator facing form.
func (p *Provider) View(ctx context.Context) View {
	s := p.Load(ctx)

	p.mu.Lock()
	raw := p.lastIDs
	p.mu.Unlock()

	return View{
		TargetIP:        s.TargetIP,
		TargetPort:      s.TargetPort,
		DeviceIDs:       raw,
		ParsedDeviceIDs: s.DeviceIDs,
		RefreshSeconds:  int(s.Interval / time.Second),
		RegisterMap:     s.RegisterMap,
	}
}

// Apply validates u against the current settings and writes the changed
// keys. Nothing is written when validation fails.
func (p *Provider) Apply(ctx context.Context, u Update) error {
	current := p.View(ctx)

	ip, port := current.TargetIP, current.TargetPort
	if u.TargetIP != nil {
		ip = *u.TargetIP
	}
	if u.TargetPort != nil {
		port = *u.TargetPort
	}
	if err := ValidateEndpoint(ip, port); err != nil {
		return err
	}

	if u.RefreshSeconds != nil && *u.RefreshSeconds < 1 {
		return fmt.Errorf("%w: refresh_interval must be at least 1 second", ErrInvalid)
	}
	if u.DeviceIDs != nil && len(ParseDeviceIDs(*u.DeviceIDs)) == 0 {
		return fmt.Errorf("%w: device_ids %q contains no valid id", ErrInvalid, *u.DeviceIDs)
	}

	var rmJSON []byte
	if u.RegisterMap != nil {
		if p.validator != nil {
			if err := p.validator.ValidateRegisterMap(*u.RegisterMap); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
		var err error
		if rmJSON, err = json.Marshal(u.RegisterMap); err != nil {
			return fmt.Errorf("encode register map: %w", err)
		}
	}

	var writes []struct{ key, value string }
	if u.TargetIP != nil {
		writes = append(writes, struct{ key, value string }{KeyTargetIP, *u.TargetIP})
	}
	if u.TargetPort != nil {
		writes = append(writes, struct{ key, value string }{KeyTargetPort, strconv.Itoa(*u.TargetPort)})
	}
	if u.DeviceIDs != nil {
		writes = append(writes, struct{ key, value string }{KeyDeviceIDs, *u.DeviceIDs})
	}
	if u.RefreshSeconds != nil {
		writes = append(writes, struct{ key, value string }{KeyRefreshInterval, strconv.Itoa(*u.RefreshSeconds)})
	}
	if rmJSON != nil {
		writes = append(writes, struct{ key, value string }{KeyRegisterMap, string(rmJSON)})
	}

	for _, w := range writes {
		if err := p.store.SetSetting(ctx, w.key, w.value); err != nil {
			return fmt.Errorf("save %s: %w", w.key, err)
		}
	}

	p.logger.Info("Settings updated", zap.Int("keys", len(writes)))
	return nil
}
