package inventory

import (
	"context"
	"encoding/json"
	"fmt"

	adb "github.com/qiniu/opsguard/internal/alerting/database"
)

// HostRepo 主机数据访问层
type HostRepo struct {
	db *adb.Database
}

// NewHostRepo 创建主机仓库
func NewHostRepo(db *adb.Database) *HostRepo {
	return &HostRepo{db: db}
}

// ListHosts 获取全部受监控主机（包括离线主机，离线状态由 host_offline 规则判定）
func (r *HostRepo) ListHosts(ctx context.Context) ([]HostInfo, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	const q = `SELECT id, name, ip_address, is_online, labels::text FROM hosts ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query hosts: %w", err)
	}
	defer rows.Close()

	var hosts []HostInfo
	for rows.Next() {
		var h HostInfo
		var labels string
		if err := rows.Scan(&h.HostID, &h.HostName, &h.HostIPAddress, &h.Online, &labels); err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		if labels != "" {
			_ = json.Unmarshal([]byte(labels), &h.Labels)
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hosts: %w", err)
	}
	return hosts, nil
}
