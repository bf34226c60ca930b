// Package mergetrain integrates open pull requests into an integration branch.
//
// A run of the merge train:
//
//  1. lists the members of a GitHub team and the open pull requests of a
//     repository,
//  2. selects the pull requests that are eligible for automatic merging: the
//     author is a team member and the pull request does not have the exclude
//     label, or the pull request has the include label,
//  3. orders them: non-draft before draft, include-labeled before others,
//     lower numbers first,
//  4. merges them one after another into a detached checkout of the base
//     branch. A pull request that can not be merged is skipped and does not
//     prevent merging the following ones,
//  5. if the resulting tree differs from the tree of the integration branch,
//     creates a single commit with the previous integration head, the base
//     head and the heads of all merged pull requests as parents and pushes it
//     to the integration branch.
//
// Git operations are done via an Engine, the GitHub API is accessed via a
// ChangeSource.
package mergetrain
