// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package naming parses topic and namespace names.
//
// A fully qualified topic looks like "persistent://tenant/namespace/local".
// The older four part form "persistent://property/cluster/namespace/local" is
// accepted as well; its namespace is "property/cluster/namespace". A bare
// local name is placed in "public/default".
package naming

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DomainPersistent is the only supported topic domain.
	DomainPersistent = "persistent"

	defaultNamespace = "public/default"
)

// ErrInvalidTopic is returned for names that cannot be parsed.
var ErrInvalidTopic = errors.New("invalid topic name")

// ErrInvalidNamespace is returned by ValidateNamespace.
var ErrInvalidNamespace = errors.New("invalid namespace")

// TopicName is a parsed topic name.
type TopicName struct {
	Domain    string
	Namespace string
	Local     string
}

// ParseTopic parses and normalizes name.
func ParseTopic(name string) (TopicName, error) {
	if name == "" {
		return TopicName{}, fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if !strings.Contains(name, "://") {
		if strings.Contains(name, "/") {
			return TopicName{}, fmt.Errorf("%w: %q has no domain", ErrInvalidTopic, name)
		}
		return TopicName{Domain: DomainPersistent, Namespace: defaultNamespace, Local: name}, nil
	}

	domain, rest, _ := strings.Cut(name, "://")
	if domain != DomainPersistent {
		return TopicName{}, fmt.Errorf("%w: unsupported domain %q", ErrInvalidTopic, domain)
	}
	parts := strings.Split(rest, "/")
	for _, p := range parts {
		if p == "" {
			return TopicName{}, fmt.Errorf("%w: %q", ErrInvalidTopic, name)
		}
	}

	switch {
	case len(parts) == 3:
		return TopicName{Domain: domain, Namespace: parts[0] + "/" + parts[1], Local: parts[2]}, nil
	case len(parts) >= 4:
		return TopicName{
			Domain:    domain,
			Namespace: strings.Join(parts[:3], "/"),
			Local:     strings.Join(parts[3:], "/"),
		}, nil
	default:
		return TopicName{}, fmt.Errorf("%w: %q", ErrInvalidTopic, name)
	}
}

// MustParseTopic is like ParseTopic but panics on error.
func MustParseTopic(name string) TopicName {
	t, err := ParseTopic(name)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the fully qualified name.
func (t TopicName) String() string {
	return t.Domain + "://" + t.Namespace + "/" + t.Local
}

// ValidateNamespace checks a "tenant/namespace" or "property/cluster/namespace" name.
func ValidateNamespace(ns string) error {
	parts := strings.Split(ns, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("%w %q", ErrInvalidNamespace, ns)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w %q", ErrInvalidNamespace, ns)
		}
	}
	return nil
}
