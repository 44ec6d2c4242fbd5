package mcpserver

// RecordFormatContract describes how memory content is written and what a
// stored record looks like, for LLM consumers creating memories.
const RecordFormatContract = `# Memvault Record Format

Every memory is a JSON record stored as one entity in the remote entity
store, owned by the configured identity.

## Content

Content is free text. Optional YAML frontmatter is read for defaults:

` + "```" + `markdown
---
type: task              # OPTIONAL - conversation, learned_fact, user_preference,
                        #            task, calendar_event or note (default)
category: errands       # OPTIONAL - defaults to "general"
tags: [shopping, home]  # OPTIONAL - YAML list or comma separated string
---

Buy milk on the way home #weekly. See [[3f0c2a9e-6c1e-4c55-9a55-7d1d1b5c2a10]].
` + "```" + `

1. **Explicit arguments win.** A ` + "`" + `type` + "`" + ` or ` + "`" + `category` + "`" + ` passed to the tool
   overrides the frontmatter.
2. **#hashtags** in the body are added to the record tags. Tags are stored
   lowercase without the leading ` + "`" + `#` + "`" + `.
3. **[[memory-id]]** links are added to ` + "`" + `metadata.relatedMemories` + "`" + `.
4. **The content is stored as written.** Frontmatter is not stripped.

## Encryption

Pass ` + "`" + `encrypt: true` + "`" + ` to seal the content with AES-256-GCM under a key
derived from the master secret and the record id. Encrypted content is only
readable while the vault is unlocked with the same secret. Search never
returns records that cannot be decrypted.

## Record

` + "```" + `json
{
  "id": "3f0c2a9e-6c1e-4c55-9a55-7d1d1b5c2a10",
  "content": "Buy milk on the way home #weekly",
  "type": "task",
  "category": "errands",
  "tags": ["shopping", "home", "weekly"],
  "createdAt": "2025-01-20T08:00:00Z",
  "updatedAt": "2025-01-20T08:00:00Z",
  "encrypted": false,
  "accessPolicy": {"owner": "0xabc...", "permissions": []},
  "metadata": {
    "size": 32,
    "mimeType": "text/plain",
    "checksum": "9f86d081884c7d65",
    "version": 1
  }
}
` + "```" + `

- ` + "`" + `id` + "`" + ` is the logical id used by get_memory and delete_memory.
- ` + "`" + `metadata.version` + "`" + ` starts at 1 and grows by one on every update.
- ` + "`" + `metadata.checksum` + "`" + ` covers the stored (possibly encrypted) content.
`
