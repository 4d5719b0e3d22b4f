// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package esreindex copies an Elasticsearch index, its settings, mappings
// and documents, from one cluster to another.
//
// A copy runs in three steps. The destination index is created with the
// settings and mappings of the source, unless it exists already. The source
// documents are then streamed through a scroll cursor and written with one
// bulk request per batch, creating only missing documents unless existing
// ones are to be updated. Finally the document counts of both indices are
// polled until they agree or a timeout elapses.
//
// Every request is retried with exponential backoff while it fails
// transiently, so a copy survives restarts and overload of either cluster.
package esreindex
