package triage

import "fmt"

const reviewerReminder = `**Review reminder**

This pull request has been waiting for review for a while. If you were asked to review it, please take a look, or say so if you cannot and someone else should be found. If the status label is wrong, correct it with a ` + "`/status`" + ` command.

Without further activity this pull request goes back to the ` + "`needs_reviewer`" + ` queue in one day.`

const mergerReminder = `**Merge reminder**

This pull request is waiting for someone with commit access. If you were asked to merge it, please take a look, or say so if you cannot. If the status label is wrong, correct it with a ` + "`/status`" + ` command.

Without further activity this pull request goes back to the ` + "`needs_merger`" + ` queue in one day.`

func mentionText(login string) string {
	return fmt.Sprintf("@%s please review.", login)
}
