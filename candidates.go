package main

import "slices"

// defaultBranch is the conventional branch probed when nothing better is known.
const defaultBranch = "master"

// candidateNames is ordered by how often each spelling shows up in the wild.
// The order is the tie-break between files and must not be reshuffled.
var candidateNames = []string{"CHANGELOG", "changelog", "ChangeLog", "History", "HISTORY", "CHANGES"}

// CandidateFile is one changelog file name to try, e.g. CHANGELOG.md.
type CandidateFile struct {
	Name      string
	Extension string
}

func (f CandidateFile) String() string {
	return f.Name + "." + f.Extension
}

// CandidateFiles returns the name × extension product in name-major order:
// every extension of CHANGELOG comes before the first changelog file.
func CandidateFiles(exploreTxt bool) []CandidateFile {
	extensions := []string{"md"}
	if exploreTxt {
		extensions = append(extensions, "txt")
	}

	files := make([]CandidateFile, 0, len(candidateNames)*len(extensions))
	for _, name := range candidateNames {
		for _, ext := range extensions {
			files = append(files, CandidateFile{Name: name, Extension: ext})
		}
	}
	return files
}

// BranchCandidates returns the ordered, deduplicated branches to probe.
// A confirmed default branch replaces the whole list.
func BranchCandidates(extras []string, resolved string) []string {
	if resolved != "" {
		return []string{resolved}
	}

	branches := []string{defaultBranch}
	for _, b := range extras {
		if b == "" || slices.Contains(branches, b) {
			continue
		}
		branches = append(branches, b)
	}
	return branches
}

// Candidate is a single (branch, folder, file) location to probe.
type Candidate struct {
	Branch string
	Folder string
	File   CandidateFile
}
