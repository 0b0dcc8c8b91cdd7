package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/samber/lo"
)

type Config struct {
	Nodes           []Node        `mapstructure:"nodes"`
	DataDir         string        `mapstructure:"data_dir"`
	ConnectRetry    time.Duration `mapstructure:"connect_retry"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	SyncTimeout     time.Duration `mapstructure:"sync_timeout"`
	ElectionTimeout time.Duration `mapstructure:"election_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type Node struct {
	Id      int    `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

// rawNode lets a JSON config omit ids; missing ids default to the index.
type rawNode struct {
	Id      *int   `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

// DefaultConfig returns a Config with no nodes and the default timeouts.
func DefaultConfig() Config {
	return Config{
		DataDir:         ".",
		ConnectRetry:    200 * time.Millisecond,
		WriteTimeout:    2 * time.Second,
		SyncTimeout:     30 * time.Second,
		ElectionTimeout: 5 * time.Second,
		RequestTimeout:  5 * time.Second,
	}
}

func (config Config) GetAtIndex(index int) (Node, error) {
	if index >= len(config.Nodes) {
		return Node{}, errors.New("index >= len")
	}
	if index < 0 {
		return Node{}, errors.New("index < 0")
	}
	return config.Nodes[index], nil
}

// Addresses returns the node addresses in configuration order.
func (config Config) Addresses() []string {
	return lo.Map(config.Nodes, func(n Node, _ int) string { return n.Address })
}

// DatabasePath returns the database file of the replica at index.
func (config Config) DatabasePath(index int) (string, error) {
	node, err := config.GetAtIndex(index)
	if err != nil {
		return "", err
	}
	_, port, err := net.SplitHostPort(node.Address)
	if err != nil {
		return "", fmt.Errorf("node %d address %q: %w", node.Id, node.Address, err)
	}
	return filepath.Join(config.DataDir, fmt.Sprintf("server_%s.db", port)), nil
}

func (config Config) validate() error {
	if len(config.Nodes) == 0 {
		return errors.New("config has no nodes")
	}
	seen := make(map[int]bool)
	for _, n := range config.Nodes {
		if seen[n.Id] {
			return fmt.Errorf("duplicate node id %d", n.Id)
		}
		seen[n.Id] = true
		if _, _, err := net.SplitHostPort(n.Address); err != nil {
			return fmt.Errorf("node %d address %q: %w", n.Id, n.Address, err)
		}
	}
	return nil
}

// LoadConfig reads a cluster configuration. Files ending in .json are
// decoded as JSON objects; anything else is read as one host:port per line,
// where the line index is the node id.
func LoadConfig(path string) (Config, error) {
	var config Config
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		config, err = loadJSONConfig(path)
	} else {
		config, err = loadLineConfig(path)
	}
	if err != nil {
		return Config{}, err
	}
	if err := config.validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func loadJSONConfig(path string) (Config, error) {
	byteContent, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(byteContent, &raw); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return Config{}, fmt.Errorf("%s: syntax error at byte offset %d: %w", path, syntaxErr.Offset, err)
		}
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	// Nodes are decoded separately so that missing ids can be filled in.
	rawNodes := raw["nodes"]
	delete(raw, "nodes")

	config := DefaultConfig()
	if err := decode(raw, &config); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	var nodes []rawNode
	if err := decode(rawNodes, &nodes); err != nil {
		return Config{}, fmt.Errorf("%s: nodes: %w", path, err)
	}
	config.Nodes = lo.Map(nodes, func(n rawNode, i int) Node {
		id := i
		if n.Id != nil {
			id = *n.Id
		}
		return Node{Id: id, Address: n.Address}
	})
	return config, nil
}

func decode(input interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           result,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func loadLineConfig(path string) (Config, error) {
	fd, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer fd.Close()

	config := DefaultConfig()
	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, port, err := net.SplitHostPort(line)
		if err != nil {
			return Config{}, fmt.Errorf("%s: line %q: %w", path, line, err)
		}
		if _, err := strconv.Atoi(port); err != nil {
			return Config{}, fmt.Errorf("%s: line %q: bad port", path, line)
		}
		config.Nodes = append(config.Nodes, Node{
			Id:      len(config.Nodes),
			Address: net.JoinHostPort(host, port),
		})
	}
	if err := scanner.Err(); err != nil {
		return Config{}, err
	}
	return config, nil
}
