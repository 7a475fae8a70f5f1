package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 支持以 "30s" 形式的字符串或以秒为单位的数字进行配置。
type Duration time.Duration

// Std 返回标准库 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON 以字符串形式输出。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 解析字符串或数字。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case string:
		return d.parse(v)
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("无效的时长: %s", string(data))
	}
}

// UnmarshalYAML 解析字符串或数字。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("无效的时长节点: line %d", node.Line)
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(value string) error {
	if value == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}
