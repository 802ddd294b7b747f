package worker

// DefaultWorkers is the stock catalog used when no workers are configured.
// The endpoints are placeholders; every entry is marked Simulated so the
// whole pipeline runs offline until real endpoints are filled in.
func DefaultWorkers() []Metadata {
	return []Metadata{
		stock("progress_accountability_agent", "Tracks goals, tasks, and progress to provide accountability insights.", "progress.track", "progress"),
		stock("email_priority_agent", "Analyzes incoming emails and assigns priority.", "email.prioritize", "email"),
		stock("document_summarizer_agent", "Summarizes documents or text into concise summaries.", "summary.create", "summarizer"),
		stock("meeting_followup_agent", "Generates meeting follow-ups: action items, summaries, due dates.", "meeting.followup", "meeting"),
		stock("onboarding_buddy_agent", "Guides new employees through onboarding milestones.", "onboarding.guide", "onboarding"),
		stock("knowledge_base_builder_agent", "Builds or updates a knowledge base from discussions and notes.", "knowledge.update", "knowledge"),
		stock("task_dependency_agent", "Analyzes dependencies between tasks in a project.", "tasks.dependencies", "tasks"),
		stock("deadline_guardian_agent", "Monitors deadlines, detects risks, and alerts when deadlines are at risk.", "deadline.monitor", "deadline"),
	}
}

// DefaultDirectory builds a Directory from DefaultWorkers.
func DefaultDirectory() *Directory {
	d, err := NewDirectory(DefaultWorkers())
	if err != nil {
		panic(err) // stock catalog is static
	}
	return d
}

func stock(name, description, intent, path string) Metadata {
	return Metadata{
		Name:          name,
		Description:   description,
		Intents:       []string{intent},
		Transport:     TransportNetwork,
		Endpoint:      "https://example.com/" + path + "/handle",
		Healthcheck:   "https://example.com/" + path + "/health",
		TimeoutMillis: DefaultTimeoutMillis,
		Simulated:     true,
	}
}
