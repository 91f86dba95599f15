package claude

import "concierge/config"

// buildArgs assembles the agent CLI invocation. The message text itself goes
// over stdin, never the argument list.
func buildArgs(cfg *config.Config, sessionID string, resume bool) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", cfg.PermissionMode,
	}

	if resume {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}

	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	for _, dir := range cfg.AddDirs {
		args = append(args, "--add-dir", dir)
	}
	return args
}
