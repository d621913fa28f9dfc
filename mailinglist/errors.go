package mailinglist

import "fmt"

// NoSuchListError is returned when a list id or address is not known.
type NoSuchListError struct {
	ListID string
}

func (e *NoSuchListError) Error() string {
	return fmt.Sprintf("no such list: %s", e.ListID)
}

// ListExistsError is returned when creating a list whose id is taken.
type ListExistsError struct {
	ListID string
}

func (e *ListExistsError) Error() string {
	return fmt.Sprintf("list already exists: %s", e.ListID)
}

// UnknownAttributeError is returned for attribute names that do not exist.
type UnknownAttributeError struct {
	Name string
}

func (e *UnknownAttributeError) Error() string {
	return fmt.Sprintf("unknown attribute: %s", e.Name)
}

// ReadOnlyAttributeError is returned when writing an attribute that cannot change.
type ReadOnlyAttributeError struct {
	Name string
}

func (e *ReadOnlyAttributeError) Error() string {
	return fmt.Sprintf("read-only attribute: %s", e.Name)
}

// AttributeValueError is returned when a value does not decode or validate.
type AttributeValueError struct {
	Name  string
	Value string
	Err   error
}

func (e *AttributeValueError) Error() string {
	return fmt.Sprintf("invalid value %q for attribute %s: %v", e.Value, e.Name, e.Err)
}

func (e *AttributeValueError) Unwrap() error {
	return e.Err
}

// MissingAttributesError is returned by a full replace that omits writable attributes.
type MissingAttributesError struct {
	Names []string
}

func (e *MissingAttributesError) Error() string {
	return fmt.Sprintf("missing attributes: %v", e.Names)
}
