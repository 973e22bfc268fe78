package agent

import (
	"fmt"
	"strings"
)

// BuildPrompt renders the instruction text the agent CLI receives. The
// workspace tree carries the actual content; the prompt only names the
// contract: where to read, what to write, and the stdout block formats.
func BuildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("You are handling one inbound message for a digital employee.\n\n")
	b.WriteString("Workspace layout (all paths relative to the current directory):\n")
	b.WriteString("- incoming_email/email.txt and incoming_email/email.html: the message to handle\n")
	b.WriteString("- incoming_email/attachments/: files the sender included\n")
	b.WriteString("- references/past_emails/index.json: prior correspondence with this user\n")
	b.WriteString("- memory/: notes about this user, in filename order\n")
	b.WriteString("- skills/: playbooks you may follow\n\n")

	if len(req.ReplyTo) > 0 {
		fmt.Fprintf(&b, "Write your reply to %s", req.ReplyDraftName)
		if req.AttachmentsDirName != "" {
			fmt.Fprintf(&b, "; put any attachments in %s/", req.AttachmentsDirName)
		}
		b.WriteString(".\n")
		fmt.Fprintf(&b, "The reply will be sent to: %s\n\n", strings.Join(req.ReplyTo, ", "))
	} else {
		b.WriteString("This message has no replyable sender; do not write a reply draft.\n\n")
	}

	b.WriteString("To schedule follow-up sends, print on stdout:\n")
	fmt.Fprintf(&b, "%s\n[{\"type\":\"send_email\",\"subject\":...,\"html_path\":...,\"delay_minutes\":...}]\n%s\n\n",
		ScheduledTasksBegin, ScheduledTasksEnd)
	b.WriteString("To manage your scheduled tasks, print on stdout:\n")
	fmt.Fprintf(&b, "%s\n[{\"action\":\"cancel\",\"task_ids\":[...]}]\n%s\n",
		SchedulerActionsBegin, SchedulerActionsEnd)

	return b.String()
}
