package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "AgentPlane/internal/errors"
	"AgentPlane/pkg/logger"
)

// SeedRule 是种子文件中的一条规则定义。
type SeedRule struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Effect      Effect      `yaml:"effect"`
	Priority    int         `yaml:"priority"`
	Predicates  []Predicate `yaml:"predicates"`
	RoleIDs     []string    `yaml:"role_ids"`
	AgentIDs    []string    `yaml:"agent_ids"`
	NotBefore   int64       `yaml:"not_before"`
	NotAfter    int64       `yaml:"not_after"`
}

// SeedFile 是策略种子文件的根结构。
type SeedFile struct {
	Rules []SeedRule `yaml:"rules"`
}

// LoadSeedFile 读取并解析 YAML 策略种子。
func LoadSeedFile(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取策略种子文件失败",
			xerrors.WithMetadata("path", path))
	}
	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidationFailed, err, "解析策略种子文件失败",
			xerrors.WithMetadata("path", path))
	}
	return &seed, nil
}

// Seed 将种子规则写入存储。已有同名启用规则时跳过，
// 进程重启后重复执行不会产生重复规则。
func (s *Service) Seed(ctx context.Context, seed *SeedFile) (int, error) {
	if s == nil || s.rules == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "策略服务未初始化")
	}
	if seed == nil || len(seed.Rules) == 0 {
		return 0, nil
	}
	existing, err := s.rules.ListRules(ctx)
	if err != nil {
		return 0, err
	}
	active := make(map[string]bool, len(existing))
	for _, rule := range existing {
		if rule.Enabled {
			active[strings.ToLower(rule.Name)] = true
		}
	}
	created := 0
	for i := range seed.Rules {
		spec := &seed.Rules[i]
		if active[strings.ToLower(spec.Name)] {
			continue
		}
		rule := &Rule{
			Name:        spec.Name,
			Description: spec.Description,
			Effect:      spec.Effect,
			Priority:    spec.Priority,
			Predicates:  spec.Predicates,
			RoleIDs:     spec.RoleIDs,
			AgentIDs:    spec.AgentIDs,
			NotBefore:   spec.NotBefore,
			NotAfter:    spec.NotAfter,
		}
		if _, err := s.CreateRule(ctx, rule); err != nil {
			return created, xerrors.Wrap(xerrors.CodeOf(err), err,
				fmt.Sprintf("写入种子规则 %q 失败", spec.Name))
		}
		created++
	}
	if created > 0 {
		logger.Named("policy").Info("策略种子加载完成",
			slog.Int("created", created),
			slog.Int("total", len(seed.Rules)))
	}
	return created, nil
}

// SeedFromFile 读取种子文件并写入存储，path 为空时直接返回。
func (s *Service) SeedFromFile(ctx context.Context, path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, nil
	}
	seed, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	return s.Seed(ctx, seed)
}
