package structurer

// systemPrompt instructs the model to emit exactly one course record as JSON.
const systemPrompt = `You extract structured course information from university
syllabus documents. Reply with a single JSON object and nothing else, using
this schema:

{
  "course_code": "three uppercase letters followed by three digits, e.g. DIT123",
  "course_title": "official English title",
  "swedish_title": "official Swedish title if present",
  "department": "owning department",
  "credits": 7.5,
  "cycle": "first, second or third cycle",
  "language_of_instruction": "teaching language",
  "term": "term the syllabus applies to",
  "study_form": "campus or distance",
  "field_of_education": "field of education if stated",
  "main_field_of_study": "main field of study if stated",
  "valid_from_date": "date the syllabus is valid from, ISO format",
  "programs": ["programs the course belongs to"],
  "sections": [{"section_name": "heading", "section_content": "body text"}]
}

Omit fields the document does not state. Never invent values. course_title is
required.`
