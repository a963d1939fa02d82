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

package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	tn, err := ParseTopic("persistent://my-tenant/ns1/my-topic")
	require.NoError(t, err)
	assert.Equal(t, "my-tenant/ns1", tn.Namespace)
	assert.Equal(t, "my-topic", tn.Local)
	assert.Equal(t, "persistent://my-tenant/ns1/my-topic", tn.String())

	// Four part names keep the cluster segment in the namespace.
	tn, err = ParseTopic("persistent://my-property/use/my-ns/my-topic")
	require.NoError(t, err)
	assert.Equal(t, "my-property/use/my-ns", tn.Namespace)
	assert.Equal(t, "my-topic", tn.Local)

	tn, err = ParseTopic("short")
	require.NoError(t, err)
	assert.Equal(t, "persistent://public/default/short", tn.String())
}

func TestParseTopic_Invalid(t *testing.T) {
	for _, name := range []string{"", "a/b", "non-persistent://t/n/x", "persistent://t/n", "persistent://t//x"} {
		_, err := ParseTopic(name)
		assert.ErrorIs(t, err, ErrInvalidTopic, name)
	}
}

func TestValidateNamespace(t *testing.T) {
	assert.NoError(t, ValidateNamespace("tenant/ns"))
	assert.NoError(t, ValidateNamespace("prop/cluster/ns"))
	assert.Error(t, ValidateNamespace("tenant"))
	assert.ErrorIs(t, ValidateNamespace("a//b"), ErrInvalidNamespace)
}
