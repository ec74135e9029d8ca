package parser

// Scripts is an ordered mapping of lifecycle script name to command.
// A repeated name keeps its first position and takes the latest command.
type Scripts struct {
	names    []string
	commands map[string]string
}

// NewScripts creates an empty script set
func NewScripts() *Scripts {
	return &Scripts{commands: make(map[string]string)}
}

// Set adds or replaces a script
func (s *Scripts) Set(name, command string) {
	if _, exists := s.commands[name]; !exists {
		s.names = append(s.names, name)
	}
	s.commands[name] = command
}

// Get returns the command for name
func (s *Scripts) Get(name string) (string, bool) {
	if s == nil {
		return "", false
	}
	cmd, ok := s.commands[name]
	return cmd, ok
}

// Len returns the number of scripts
func (s *Scripts) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Names returns script names in manifest order
func (s *Scripts) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Each calls fn for every script in manifest order
func (s *Scripts) Each(fn func(name, command string)) {
	if s == nil {
		return
	}
	for _, name := range s.names {
		fn(name, s.commands[name])
	}
}
