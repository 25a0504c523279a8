// Package migrate holds what the data migrations share.
package migrate

// Progress receives the advancement of a migration step
type Progress interface {
	Section(title string)
	Start(total int)
	Advance()
	Finish()
}

// NoProgress discards progress reports
type NoProgress struct{}

func (NoProgress) Section(string) {}
func (NoProgress) Start(int)      {}
func (NoProgress) Advance()       {}
func (NoProgress) Finish()        {}
