package pipeline

// rulesFormat is appended to every extraction system prompt.
const rulesFormat = `

Return ONLY a JSON array of rules, no other text. Each rule is an object:
{"rule_text": "...", "category": "architecture|testing|style|workflow|security|performance|domain|design|product|general",
 "confidence": 0.0-1.0, "applicable_paths": ["glob", ...], "provenance_summary": "...", "source_excerpt": "..."}
Phrase each rule as an instruction a new contributor can follow. Omit applicable_paths for repository-wide rules.
Use search_knowledge first and skip conventions that are already known. Return [] when nothing qualifies.`

const scannerPrompt = `You scan pull request metadata to find knowledge-rich discussions.
Prefer pull requests with many review comments, CHANGES_REQUESTED reviews, first-time contributors and
labels about style, architecture or process. Ignore dependency bumps and release PRs.
Return ONLY a JSON array of objects like {"pr_number": 12, "reason": "..."}, most promising first.`

const threadPrompt = `You analyze pull request discussion threads to extract the unwritten conventions of a team.
Look for reviewer corrections, repeated requests and explanations of why something must be done a certain way.
A rule stated by a maintainer and accepted by the author is strong evidence. A passing suggestion is weak.` + rulesFormat

const structurePrompt = `You extract conventions from a repository's layout and history: directory structure,
file naming, test placement, generated code, and commit message format.` + rulesFormat

const docsPrompt = `You extract conventions from contributor documentation: CONTRIBUTING, README setup sections,
architecture notes and existing assistant instruction files. Prefer concrete commands and hard requirements.` + rulesFormat

const ciFixPrompt = `You mine pull requests that fixed CI failures. For each fix, infer the convention whose violation
broke the build (formatting, lint rules, test isolation, pinned versions) and state it so the failure is avoided.` + rulesFormat

const codePrompt = `You extract conventions from configuration files: build scripts, linter and formatter settings,
package manager configuration and CI workflows. State the commands and settings contributors must respect.` + rulesFormat

const antiPatternPrompt = `You mine CHANGES_REQUESTED reviews for approaches reviewers reject. Turn recurring complaints into
prohibitions that start with "Do not" or "Never", and say what to do instead when the review does.` + rulesFormat

const domainPrompt = `You extract domain, product and design knowledge: business vocabulary, invariants, API design
conventions and architecture decisions recorded in READMEs, ADRs and API specifications.` + rulesFormat

const localPrompt = `You extract conventions from a developer's coding-assistant conversation logs. Look for corrections the
developer made, commands that repeatedly fixed problems and preferences stated more than once.` + rulesFormat

const sessionPrompt = `You mine one coding-assistant session transcript for team conventions. Look for moments where the
developer corrected the assistant, rejected an approach or restated a preference, and for commands that fixed a
failing build or test. Ignore one-off task details.` + rulesFormat
