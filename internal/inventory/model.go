package inventory

// HostInfo 主机信息
type HostInfo struct {
	HostID        int64             `json:"host_id"`         // 主机ID
	HostName      string            `json:"host_name"`       // 主机名称
	HostIPAddress string            `json:"host_ip_address"` // 主机IP地址
	Online        bool              `json:"online"`          // 主机在线状态，host_offline 规则使用
	Labels        map[string]string `json:"labels,omitempty"`
}
