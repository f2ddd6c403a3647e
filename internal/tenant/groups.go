package tenant

import (
	"log/slog"
	"strings"
)

// ApplicationGroups maps named application bundles to the applications they
// expand to. Group lookup is case-insensitive; the application names inside
// a bundle are exact pod-label values.
var ApplicationGroups = map[string][]string{
	"control-plane": {
		"kube-apiserver",
		"kube-controller-manager",
		"kube-scheduler",
		"openshift-apiserver",
		"openshift-controller-manager",
	},
	"authentication": {
		"oauth-openshift",
		"openshift-oauth-apiserver",
	},
	"networking": {
		"ovnkube-control-plane",
		"cloud-network-config-controller",
	},
	"etcd": {
		"etcd",
		"etcd-operator",
	},
	"ingress": {
		"router-default",
		"ingress-operator",
	},
}

// ExpandGroups resolves group names to their application lists. Unknown
// groups are logged and ignored.
func ExpandGroups(groups []string, logger *slog.Logger) []string {
	var expanded []string

	for _, group := range groups {
		if group == "" {
			logger.Warn("empty group name in groups list, skipping")
			continue
		}

		found := false
		for name, applications := range ApplicationGroups {
			if strings.EqualFold(name, group) {
				expanded = append(expanded, applications...)
				found = true
				break
			}
		}

		if !found {
			available := make([]string, 0, len(ApplicationGroups))
			for name := range ApplicationGroups {
				available = append(available, name)
			}
			logger.Warn("unknown application group, ignoring",
				"group", group,
				"available_groups", available)
		}
	}

	return expanded
}
