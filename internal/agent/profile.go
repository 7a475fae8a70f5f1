package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ID 标识层级中的一个 Agent。
type ID string

const (
	// AgentA 为入口协调层（前端）。
	AgentA ID = "A"
	// AgentB 为中间编排层（后端）。
	AgentB ID = "B"
	// AgentC 为叶子层（车载系统）。
	AgentC ID = "C"
)

// ParseID 解析 Agent 标识，大小写不敏感。
func ParseID(value string) (ID, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "A":
		return AgentA, nil
	case "B":
		return AgentB, nil
	case "C":
		return AgentC, nil
	default:
		return "", fmt.Errorf("unknown agent id %q", value)
	}
}

// Profile 是 Agent 的静态画像，启动时加载后不可变。
type Profile struct {
	ID                ID       `yaml:"id" json:"id"`
	Name              string   `yaml:"name" json:"name"`
	Component         string   `yaml:"component" json:"component"`
	Role              string   `yaml:"role" json:"role"`
	Responsibilities  []string `yaml:"responsibilities" json:"responsibilities"`
	APIs              []string `yaml:"apis" json:"apis"`
	AllowedDownstream []ID     `yaml:"allowed_downstream" json:"allowed_downstream"`
	// ExpectedDuration 为单次分析的典型耗时，用于估算完成时间。
	ExpectedDuration time.Duration `yaml:"expected_duration" json:"expected_duration"`
}

func (p Profile) clone() Profile {
	p.Responsibilities = append([]string(nil), p.Responsibilities...)
	p.APIs = append([]string(nil), p.APIs...)
	p.AllowedDownstream = append([]ID(nil), p.AllowedDownstream...)
	return p
}

// CanReach 判断 to 是否位于该 Agent 的允许下游集合中。
func (p Profile) CanReach(to ID) bool {
	for _, id := range p.AllowedDownstream {
		if id == to {
			return true
		}
	}
	return false
}

// DefaultProfiles 返回租车系统三层 Agent 的内置画像。
func DefaultProfiles() []Profile {
	return []Profile{
		{
			ID:        AgentA,
			Name:      "Agent A",
			Component: "Mobile & Web Applications",
			Role:      "Frontend Developer & Coordinator",
			Responsibilities: []string{
				"React Native mobile app (A1)",
				"React web staff app (A2)",
				"User interface design",
				"API integration",
				"Coordinate between all agents",
			},
			APIs:              []string{"GET /bookings", "POST /booking", "GET /car-status", "GET /fleet", "PUT /car-status", "GET /reports"},
			AllowedDownstream: []ID{AgentB},
			ExpectedDuration:  15 * time.Second,
		},
		{
			ID:        AgentB,
			Name:      "Agent B",
			Component: "Web Server, IoT Gateway & Databases",
			Role:      "Backend Developer",
			Responsibilities: []string{
				"REST API server (B1)",
				"IoT Gateway (B2)",
				"MongoDB database (B3)",
				"PostgreSQL database (B4)",
				"WebSocket communications",
			},
			APIs:              []string{"/api/bookings", "/api/cars", "/api/users", "/api/fleet", "ws://iot-gateway", "/api/iot/status", "/api/iot/command"},
			AllowedDownstream: []ID{AgentC},
			ExpectedDuration:  15 * time.Second,
		},
		{
			ID:        AgentC,
			Name:      "Agent C",
			Component: "In-Car Systems",
			Role:      "In-Car Systems Developer",
			Responsibilities: []string{
				"Cloud communication (C1)",
				"Redis message broker (C2)",
				"CAN bus interface (C3)",
				"Vehicle controller (C4)",
				"Data sensors (C5)",
			},
			APIs:             []string{"redis://broker", "Channels: car_status, commands, sensor_data", "CAN interface", "Sensor readings", "Vehicle telemetry"},
			ExpectedDuration: 15 * time.Second,
		},
	}
}

// Catalog 保存全部 Agent 画像，构造后只读。
type Catalog struct {
	profiles map[ID]Profile
}

// NewCatalog 校验并构造画像目录。
func NewCatalog(profiles []Profile) (*Catalog, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("agent catalog cannot be empty")
	}
	c := &Catalog{profiles: make(map[ID]Profile, len(profiles))}
	for _, p := range profiles {
		if _, err := ParseID(string(p.ID)); err != nil {
			return nil, err
		}
		if _, dup := c.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate agent profile %s", p.ID)
		}
		if strings.TrimSpace(p.Name) == "" {
			p.Name = "Agent " + string(p.ID)
		}
		c.profiles[p.ID] = p.clone()
	}
	for _, p := range c.profiles {
		for _, down := range p.AllowedDownstream {
			if _, ok := c.profiles[down]; !ok {
				return nil, fmt.Errorf("agent %s lists unknown downstream %s", p.ID, down)
			}
			if down == p.ID {
				return nil, fmt.Errorf("agent %s cannot dispatch to itself", p.ID)
			}
		}
	}
	if _, ok := c.profiles[AgentA]; !ok {
		return nil, fmt.Errorf("agent catalog requires the entry agent %s", AgentA)
	}
	return c, nil
}

// DefaultCatalog 返回基于内置画像的目录。
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultProfiles())
	if err != nil {
		panic(err)
	}
	return c
}

// LoadCatalog 读取 YAML 画像文件，文件中的条目按 ID 覆盖内置画像。
// path 为空时返回内置目录。
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent profiles: %w", err)
	}
	var doc struct {
		Agents []Profile `yaml:"agents"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse agent profiles: %w", err)
	}
	merged := make(map[ID]Profile)
	for _, p := range DefaultProfiles() {
		merged[p.ID] = p
	}
	for _, p := range doc.Agents {
		id, err := ParseID(string(p.ID))
		if err != nil {
			return nil, err
		}
		p.ID = id
		base := merged[id]
		merged[id] = overlay(base, p)
	}
	list := make([]Profile, 0, len(merged))
	for _, p := range merged {
		list = append(list, p)
	}
	return NewCatalog(list)
}

func overlay(base, override Profile) Profile {
	out := base
	out.ID = override.ID
	if override.Name != "" {
		out.Name = override.Name
	}
	if override.Component != "" {
		out.Component = override.Component
	}
	if override.Role != "" {
		out.Role = override.Role
	}
	if len(override.Responsibilities) > 0 {
		out.Responsibilities = override.Responsibilities
	}
	if len(override.APIs) > 0 {
		out.APIs = override.APIs
	}
	if override.AllowedDownstream != nil {
		out.AllowedDownstream = override.AllowedDownstream
	}
	if override.ExpectedDuration > 0 {
		out.ExpectedDuration = override.ExpectedDuration
	}
	return out
}

// Get 返回画像副本。
func (c *Catalog) Get(id ID) (Profile, bool) {
	p, ok := c.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

// IDs 返回按字典序排列的 Agent 标识。
func (c *Catalog) IDs() []ID {
	ids := make([]ID, 0, len(c.profiles))
	for id := range c.profiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Parent 返回允许向 id 派发的上游 Agent，入口 Agent 返回空。
func (c *Catalog) Parent(id ID) (ID, bool) {
	for _, pid := range c.IDs() {
		if c.profiles[pid].CanReach(id) {
			return pid, true
		}
	}
	return "", false
}
