package dispatch

const greetingText = `Hi! I will help move this pull request through review, hopefully all the way to a merge.

Use ` + "`/status <status>`" + ` to tell me where it stands. The statuses are ` + "`needs_reviewer`, `awaiting_reviewer`, `awaiting_changes`, `needs_merger` and `awaiting_merger`" + `.`

const noSelfReviewText = `Sorry, you cannot move your own pull request to ` + "`needs_merger`" + ` or ` + "`awaiting_merger`" + `. Please wait for a review by someone else. You can also look for a reviewer yourself, for example among the people who recently changed the files you touched.`
