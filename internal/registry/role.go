package registry

// Role 将一组权限授予引用它的代理。
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

// cloneRole 返回角色记录的拷贝。
func cloneRole(role *Role) *Role {
	if role == nil {
		return nil
	}
	clone := *role
	clone.Permissions = append([]string(nil), role.Permissions...)
	return &clone
}
