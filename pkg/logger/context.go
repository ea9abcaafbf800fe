package logger

import "github.com/sirupsen/logrus"

// Context is a set of log fields that travels with a unit of work.
type Context logrus.Fields

// Fields converts the Context for use with logrus.WithFields.
func (c Context) Fields() logrus.Fields {
	return logrus.Fields(c)
}

// MergeContexts returns a new merged Context object from the inputs, preferring later inputs.
func MergeContexts(xs ...Context) Context {
	ys := Context{}
	for _, x := range xs {
		for k, v := range x {
			ys[k] = v
		}
	}
	return ys
}

// Entry returns a logrus entry carrying the merged contexts.
func Entry(xs ...Context) *logrus.Entry {
	return logrus.WithFields(MergeContexts(xs...).Fields())
}
