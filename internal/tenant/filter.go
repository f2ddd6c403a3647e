package tenant

import "log/slog"

// AllowsApplication reports whether this configuration's allow-list accepts
// the application. The effective allow-list is the union of desired_logs and
// the expansion of groups; an empty union accepts everything. Application
// matching is case-sensitive (exact pod-label values).
func (c *DeliveryConfig) AllowsApplication(application string, logger *slog.Logger) bool {
	if len(c.DesiredLogs) == 0 && len(c.Groups) == 0 {
		return true
	}

	allowed := make(map[string]bool)
	for _, app := range c.DesiredLogs {
		if app != "" {
			allowed[app] = true
		}
	}
	for _, app := range ExpandGroups(c.Groups, logger) {
		allowed[app] = true
	}

	// Only empty strings or unknown groups were listed: accept everything
	// rather than silently dropping a tenant's logs.
	if len(allowed) == 0 {
		logger.Warn("no valid applications in desired_logs or groups, accepting all applications",
			"tenant_id", c.TenantID)
		return true
	}

	return allowed[application]
}
