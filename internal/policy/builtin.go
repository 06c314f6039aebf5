package policy

// Built-in policies ship enabled; a loaded policy with the same ID replaces
// its built-in, so packs can tune or disable them.

const (
	BuiltinCredentialGuard = "credential-guard"
	BuiltinNightMode       = "night-mode"
)

// credentialMaterialPattern flags tool parameters that reference credential
// material: key and cert files, PEM blocks, and well-known secret paths.
const credentialMaterialPattern = `(?i)(?:\.(?:pem|p12|pfx|crt|cer|der|jks|keystore)\b|` +
	`-----BEGIN [A-Z ]*PRIVATE KEY-----|` +
	`id_(?:rsa|dsa|ecdsa|ed25519)\b|` +
	`\.ssh[/\\]|\.aws[/\\]credentials\b|\.kube[/\\]config\b|` +
	`(?:^|[/\\ ])\.(?:env|netrc|npmrc)\b|` +
	`/etc/(?:shadow|sudoers)\b|` +
	`(?:^|[/\\ ])(?:secrets?|credentials?)\.(?:json|ya?ml|toml)\b)`

// mutatingToolPattern names the tool shapes night-mode blocks; read-style
// tools pass through.
const mutatingToolPattern = `write|exec|delete|deploy|spawn|patch`

// BuiltinPolicies returns the default policy set.
func BuiltinPolicies() []Policy {
	return []Policy{
		credentialGuardPolicy(),
		nightModePolicy(),
	}
}

func credentialGuardPolicy() Policy {
	return Policy{
		ID:       BuiltinCredentialGuard,
		Version:  1,
		Priority: 100,
		Controls: []string{"A.8.11"},
		Scope: &Scope{
			Hooks: []string{"before_tool_call"},
		},
		Rules: []Rule{
			{
				ID: "credential-material",
				Conditions: []Condition{
					{
						Type: ConditionTool,
						Params: []ParamPredicate{
							{Key: "*", MatchesRegex: credentialMaterialPattern},
						},
					},
				},
				Effect: EffectDeny,
				Reason: "Credential Guard: tool parameters reference credential material",
			},
		},
	}
}

func nightModePolicy() Policy {
	return Policy{
		ID:       BuiltinNightMode,
		Version:  1,
		Priority: 90,
		Controls: []string{"A.8.16"},
		Scope: &Scope{
			Hooks: []string{"before_tool_call"},
		},
		Rules: []Rule{
			{
				ID: "night-window",
				Conditions: []Condition{
					{Type: ConditionTool, ToolNameRegex: mutatingToolPattern},
					{Type: ConditionTime, After: "23:00", Before: "08:00"},
				},
				Effect: EffectDeny,
				Reason: "Night mode: mutating tool calls are blocked between 23:00 and 08:00",
			},
		},
	}
}

// MergeWithBuiltins overlays loaded policies on the built-in set: same-ID
// entries replace the built-in, the rest append in load order.
func MergeWithBuiltins(loaded []Policy) []Policy {
	out := BuiltinPolicies()
	index := make(map[string]int, len(out))
	for i, p := range out {
		index[p.ID] = i
	}

	for _, p := range loaded {
		if i, ok := index[p.ID]; ok {
			out[i] = p
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}
