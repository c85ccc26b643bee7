package checkpoint

// RuleSet is the active rule list of one session. It is made of three
// layers evaluated in order: custom rules, the mode preset, the defaults.
// RuleSet values are not safe for concurrent use; sessions mutate them
// under their own lock and publish copies.
type RuleSet struct {
	Mode     Mode   `json:"mode"`
	Custom   []Rule `json:"custom"`
	Preset   []Rule `json:"preset"`
	Defaults []Rule `json:"defaults"`
}

// NewRuleSet creates a rule set with the given preset installed.
func NewRuleSet(mode Mode) (*RuleSet, error) {
	preset, err := PresetRules(mode)
	if err != nil {
		return nil, err
	}
	return &RuleSet{
		Mode:     mode,
		Custom:   []Rule{},
		Preset:   preset,
		Defaults: DefaultRules(),
	}, nil
}

// Active returns the flattened rule list in evaluation order.
func (s *RuleSet) Active() []Rule {
	out := make([]Rule, 0, len(s.Custom)+len(s.Preset)+len(s.Defaults))
	out = append(out, cloneRules(s.Custom)...)
	out = append(out, cloneRules(s.Preset)...)
	out = append(out, cloneRules(s.Defaults)...)
	return out
}

// SwitchMode replaces the preset layer with the preset of mode.
func (s *RuleSet) SwitchMode(mode Mode) error {
	preset, err := PresetRules(mode)
	if err != nil {
		return err
	}
	s.Mode = mode
	s.Preset = preset
	return nil
}

// AddUserRules validates rules and upserts them into the custom layer by
// ID. Nothing is applied when any rule is invalid.
func (s *RuleSet) AddUserRules(rules []Rule) error {
	if err := ValidateRules(rules); err != nil {
		return err
	}
	for _, r := range cloneRules(rules) {
		replaced := false
		for i := range s.Custom {
			if s.Custom[i].ID == r.ID {
				s.Custom[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			s.Custom = append(s.Custom, r)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *RuleSet) Clone() *RuleSet {
	if s == nil {
		return nil
	}
	return &RuleSet{
		Mode:     s.Mode,
		Custom:   cloneRules(s.Custom),
		Preset:   cloneRules(s.Preset),
		Defaults: cloneRules(s.Defaults),
	}
}
