package retry

import (
	"errors"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
)

// Class is an error classification.
type Class int

const (
	// ClassTransient errors are retried until the attempt ceiling.
	ClassTransient Class = iota
	// ClassPermanent errors are dead-lettered on first sight.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}

	return "transient"
}

// Classifier maps an error to a Class.
type Classifier interface {
	Classify(err error) Class
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) Class

// Classify calls fn.
func (fn ClassifierFunc) Classify(err error) Class {
	if fn == nil {
		return DefaultClassifier().Classify(err)
	}

	return fn(err)
}

// DefaultClassifier treats PermanentValidationError and PoisonRecordError as
// permanent and everything else, including context.Canceled from a shutdown,
// as transient.
func DefaultClassifier() Classifier {
	return ClassifierFunc(func(err error) Class {
		if libOrchestrator.IsPermanent(err) {
			return ClassPermanent
		}

		return ClassTransient
	})
}

// ChainClassifier returns permanent when any classifier says so.
func ChainClassifier(classifiers ...Classifier) Classifier {
	return ClassifierFunc(func(err error) Class {
		for _, classifier := range classifiers {
			if classifier != nil && classifier.Classify(err) == ClassPermanent {
				return ClassPermanent
			}
		}

		return ClassTransient
	})
}

// PermanentOn classifies errors matching any target via errors.Is as permanent.
func PermanentOn(targets ...error) Classifier {
	return ClassifierFunc(func(err error) Class {
		for _, target := range targets {
			if target != nil && errors.Is(err, target) {
				return ClassPermanent
			}
		}

		return ClassTransient
	})
}
