package charger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/common"
)

// Config describes one Wall Connector.
type Config struct {
	Name string `json:"name"`
	Host string `json:"host"`
	DIN  string `json:"din"`
}

// Configured sets up the chargers from the chargers flag.
func Configured() *Map {
	m := NewMap()
	chargers := []Config{}
	lflag.JSON(&chargers, "chargers", chargers, `JSON list of wall connectors, e.g. [{"name":"garage","host":"192.168.1.50","din":"1529455-02-D--PGT..."}]`)

	lflag.Do(func() {
		client := common.HTTPClient(10 * time.Second)
		for _, c := range chargers {
			if c.Name == "" || c.Host == "" {
				panic(fmt.Sprintf("charger needs both name and host: %+v", c))
			}
			if _, ok := m.Charger(c.Name); ok {
				panic(fmt.Sprintf("duplicate charger: %s", c.Name))
			}
			m.SetCharger(c.Name, c.DIN, NewTWC(c.Name, c.Host, c.DIN, client))
		}
	})
	return m
}

// Map manages the configured chargers.
type Map struct {
	mu       sync.Mutex
	chargers map[string]Charger
	dins     map[string]string
}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{
		chargers: make(map[string]Charger),
		dins:     make(map[string]string),
	}
}

// Charger returns the charger with the given name.
func (m *Map) Charger(name string) (Charger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chargers[name]
	return c, ok
}

// SetCharger sets the charger for a name. This is primarily used for testing.
func (m *Map) SetCharger(name, din string, c Charger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chargers[name] = c
	if din != "" {
		m.dins[din] = name
	}
}

// Names returns every charger name in order.
func (m *Map) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.chargers))
	for n := range m.chargers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NameForDIN maps a device identification number to the charger name. An
// unknown DIN is returned unchanged so records are still attributed.
func (m *Map) NameForDIN(din string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.dins[din]; ok {
		return n
	}
	return din
}
